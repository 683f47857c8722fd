package devcomm

import (
	"net/http"

	"rebin/internal/logs"
	"rebin/internal/protocol"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// устройства ходят без Origin
	CheckOrigin: func(*http.Request) bool { return true },
}

// GET /api/v1/device/ws/{device_id} — единый двусторонний канал.
// Всё восходящее (пульс, статус) и нисходящее (квитанции, синхронизация,
// команды) ходит по одному соединению. Обрыв — устройство офлайн.
func (h *HTTP) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Logger.Warnf("[WS] device %s upgrade failed: %v", deviceID, err)
		return
	}

	reg := h.svc.Registry()
	peer := reg.RegisterSocket(deviceID, conn)

	if _, ok := h.svc.Store().Find(deviceID); ok {
		h.svc.MarkOnline(deviceID)
	} else {
		logs.Logger.Warnf("[WS] unregistered device %s connected", deviceID)
	}

	defer func() {
		// офлайн только если сняли именно наше соединение: вытесненный
		// сокет не должен ронять статус преемника
		if reg.UnregisterSocket(deviceID, peer) {
			_ = conn.Close()
			h.svc.MarkOffline(deviceID)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logs.Logger.Warnf("[WS] device %s read error: %v", deviceID, err)
			}
			return
		}

		// принимаем и с рамкой, и голый JSON
		pkt, err := protocol.ParsePacket(string(raw))
		if err != nil {
			// адресат может быть неизвестен — квитанция общего вида,
			// соединение не рвём
			if sendErr := peer.Send(protocol.NewAck(deviceID, "unknown", 1, "malformed message")); sendErr != nil {
				return
			}
			continue
		}

		switch msgType := pkt.GetString("msg_type"); msgType {
		case protocol.MsgHeartbeat:
			res := h.svc.ProcessHeartbeat(pkt)
			if peer.Send(res.Ack) != nil {
				return
			}
			if peer.Send(res.TimeSync) != nil {
				return
			}
			if res.Command != nil {
				if peer.Send(res.Command) != nil {
					return
				}
			}

		case protocol.MsgStatusReport:
			res := h.svc.ProcessStatusReport(pkt)
			if peer.Send(res.Ack) != nil {
				return
			}
			if res.TimeSync != nil {
				if peer.Send(res.TimeSync) != nil {
					return
				}
			}

		default:
			if peer.Send(protocol.NewAck(deviceID, msgType, 1, "unknown msg_type: "+msgType)) != nil {
				return
			}
		}
	}
}
