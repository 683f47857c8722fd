package devcomm

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"rebin/internal/logs"
	"rebin/internal/protocol"

	"github.com/gorilla/mux"
)

// Коды ошибок API (совместимы с прошивкой).
const (
	codeInternal        = 10000
	codeDeviceNotFound  = 10001
	codeMalformedPacket = 10006
	codeBadCheckCode    = 10007
)

// PollLimits — границы таймаута длинного опроса (секунды).
type PollLimits struct {
	Default int
	Min     int
	Max     int
}

func (l PollLimits) normalize() PollLimits {
	if l.Default <= 0 {
		l.Default = 60
	}
	if l.Min <= 0 {
		l.Min = 5
	}
	if l.Max <= 0 {
		l.Max = 120
	}
	return l
}

type HTTP struct {
	svc  *Service
	poll PollLimits
}

func NewHTTP(svc *Service, poll PollLimits) *HTTP {
	return &HTTP{svc: svc, poll: poll.normalize()}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1/device").Subrouter()

	// восходящие (вызывает железо)
	api.HandleFunc("/report", h.handleReport).Methods(http.MethodPost)
	api.HandleFunc("/heartbeat", h.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/qrcode-report", h.handleQrcodeReport).Methods(http.MethodPost)
	api.HandleFunc("/listen/{device_id}", h.handleListen).Methods(http.MethodGet)
	api.HandleFunc("/ws/{device_id}", h.handleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/pending-commands/{device_id}", h.handlePendingCommands).Methods(http.MethodGet)

	// нисходящие (вызывает оператор)
	api.HandleFunc("/query-status", h.handleQueryStatus).Methods(http.MethodPost)
	api.HandleFunc("/time-sync", h.handleTimeSync).Methods(http.MethodPost)
	api.HandleFunc("/connections", h.handleConnections).Methods(http.MethodGet)
}

// envelope — единый конверт ответа: code 0 — успех, 1 — бизнес-отказ.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respond(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(envelope{Code: code, Message: message, Data: data})
}

func respondError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Code: code, Message: message})
}

// readPacket читает тело как есть и разбирает пакет с сохранением порядка
// ключей — иначе контрольную сумму не пересчитать.
func readPacket(r *http.Request) (*protocol.Object, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return protocol.ParsePacket(string(body))
}

// POST /api/v1/device/report — статусный отчёт коротким запросом.
func (h *HTTP) handleReport(w http.ResponseWriter, r *http.Request) {
	pkt, err := readPacket(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, codeMalformedPacket, "invalid packet json")
		return
	}

	res := h.svc.ProcessStatusReport(pkt)
	data := map[string]any{"ack": res.Ack}
	if res.TimeSync != nil {
		data["time_sync"] = res.TimeSync
	}
	if res.OK {
		respond(w, 0, "report accepted", data)
		return
	}
	respond(w, 1, res.Message, data)
}

// POST /api/v1/device/heartbeat — пульс коротким запросом.
func (h *HTTP) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	pkt, err := readPacket(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, codeMalformedPacket, "invalid packet json")
		return
	}

	res := h.svc.ProcessHeartbeat(pkt)
	data := map[string]any{
		"ack":       res.Ack,
		"time_sync": res.TimeSync,
	}
	if res.Command != nil {
		data["command"] = res.Command
	}
	if res.OK {
		respond(w, 0, "heartbeat accepted", data)
		return
	}
	respond(w, 1, res.Message, data)
}

// POST /api/v1/device/qrcode-report — отчёт, пришедший через QR-код.
// Железо печатает в QR полный кадр с рамкой; миниапп пересылает как есть.
func (h *HTTP) handleQrcodeReport(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RawData string `json:"raw_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.RawData == "" {
		respondError(w, http.StatusBadRequest, codeMalformedPacket, "raw_data required")
		return
	}

	pkt, err := protocol.ParsePacket(in.RawData)
	if err != nil {
		respondError(w, http.StatusBadRequest, codeMalformedPacket, "qrcode payload is not valid json")
		return
	}
	if mt := pkt.GetString("msg_type"); mt != protocol.MsgStatusReport {
		respondError(w, http.StatusBadRequest, codeMalformedPacket,
			"unexpected msg_type "+strconv.Quote(mt))
		return
	}
	if !protocol.Verify(pkt) {
		respondError(w, http.StatusBadRequest, codeBadCheckCode, "check code verification failed")
		return
	}

	res := h.svc.ProcessStatusReport(pkt)
	if !res.OK {
		respond(w, 1, res.Message, map[string]any{"ack": res.Ack})
		return
	}

	data := map[string]any{"ack": res.Ack}
	if dev, ok := h.svc.Store().Find(pkt.GetString("device_id")); ok {
		data["device_info"] = map[string]any{
			"device_id":  dev.DeviceID,
			"name":       dev.Name,
			"address":    dev.Address,
			"status":     dev.Status,
			"unit_price": dev.UnitPrice,
		}
	}
	respond(w, 0, "report accepted", data)
}

// GET /api/v1/device/listen/{device_id}?timeout=60 — длинный опрос.
// Запрос висит до команды или таймаута; по таймауту устройство должно
// немедленно переподключиться.
func (h *HTTP) handleListen(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	timeout := h.poll.Default
	if v := r.URL.Query().Get("timeout"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			timeout = n
		}
	}
	if timeout < h.poll.Min {
		timeout = h.poll.Min
	}
	if timeout > h.poll.Max {
		timeout = h.poll.Max
	}

	logs.Logger.Infof("[LP] device %s listening (timeout=%ds)", deviceID, timeout)
	cmd, ok := h.svc.Registry().WaitCommand(r.Context(), deviceID, time.Duration(timeout)*time.Second)
	if !ok {
		respond(w, 0, "no pending command", map[string]any{"has_command": false})
		return
	}

	full, err := protocol.Wrap(cmd)
	if err != nil {
		respondError(w, http.StatusInternalServerError, codeInternal, "packet encode failed")
		return
	}
	logs.Logger.Infof("[LP] command %s delivered to device %s", cmd.Type(), deviceID)
	respond(w, 0, "command pending, execute now", map[string]any{
		"has_command": true,
		"command":     cmd,
		"full_packet": full,
	})
}

// GET /api/v1/device/pending-commands/{device_id} — дренаж очереди
// коротким опросом; команда после выдачи очищается.
func (h *HTTP) handlePendingCommands(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	cmd, ok := h.svc.TakePendingCommand(deviceID)
	if !ok {
		respond(w, 0, "no pending command", map[string]any{"has_command": false})
		return
	}
	full, err := protocol.Wrap(cmd)
	if err != nil {
		respondError(w, http.StatusInternalServerError, codeInternal, "packet encode failed")
		return
	}
	respond(w, 0, "command pending", map[string]any{
		"has_command": true,
		"command":     cmd,
		"full_packet": full,
	})
}

// POST /api/v1/device/query-status?device_id=… — операторский запрос
// статуса: сокет → длинный опрос → очередь.
func (h *HTTP) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, codeMalformedPacket, "device_id required")
		return
	}

	accepted, method := h.svc.SendCommand(deviceID, protocol.MsgQueryStatus)
	if !accepted {
		if method == "device_not_found" {
			respondError(w, http.StatusNotFound, codeDeviceNotFound, "device not found")
			return
		}
		respondError(w, http.StatusInternalServerError, codeInternal, "command dispatch failed")
		return
	}

	queryPkt := protocol.NewQueryStatus(deviceID)
	full, _ := protocol.Wrap(queryPkt)
	respond(w, 0, deliveryMessage(method), map[string]any{
		"query_packet":    queryPkt,
		"full_packet":     full,
		"delivery_method": method,
		"device_online":   method == "websocket" || method == "long_polling",
	})
}

func deliveryMessage(method string) string {
	switch method {
	case "websocket":
		return "command pushed over websocket"
	case "long_polling":
		return "command pushed over long polling"
	case "queued":
		return "device offline, command queued"
	default:
		return "command sent"
	}
}

// POST /api/v1/device/time-sync?device_id=… — выдать пакет синхронизации.
func (h *HTTP) handleTimeSync(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		respondError(w, http.StatusBadRequest, codeMalformedPacket, "device_id required")
		return
	}
	if _, ok := h.svc.Store().Find(deviceID); !ok {
		respondError(w, http.StatusNotFound, codeDeviceNotFound, "device not found")
		return
	}

	sync := protocol.NewTimeSync(deviceID)
	full, _ := protocol.Wrap(sync)
	respond(w, 0, "time sync packet generated", map[string]any{
		"time_sync_packet": sync,
		"full_packet":      full,
	})
}

// GET /api/v1/device/connections — сводка по живым каналам.
func (h *HTTP) handleConnections(w http.ResponseWriter, _ *http.Request) {
	respond(w, 0, "ok", h.svc.Registry().Summary())
}
