package devices

import (
	"encoding/json"
	"net/http"
	"strings"

	"rebin/internal/models"
	"rebin/internal/repo"

	"github.com/gorilla/mux"
)

type HTTP struct{ repo *repo.DeviceStore }

func NewHTTP(r *repo.DeviceStore) *HTTP { return &HTTP{repo: r} }

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/devices", h.createDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices/{device_id}", h.getDevice).Methods(http.MethodGet)
}

// deviceView — устройство без секрета и служебных колонок gorm.
type deviceView struct {
	DeviceID           string   `json:"device_id"`
	Name               string   `json:"name"`
	Address            string   `json:"address,omitempty"`
	Latitude           *float64 `json:"latitude,omitempty"`
	Longitude          *float64 `json:"longitude,omitempty"`
	Status             string   `json:"status"`
	UnitPrice          float64  `json:"unit_price"`
	BatteryLevel       int      `json:"battery_level"`
	CapacityPercent    int      `json:"capacity_percent"`
	SmokeSensorStatus  int      `json:"smoke_sensor_status"`
	RecycleBinFull     int      `json:"recycle_bin_full"`
	DeliveryWindowOpen int      `json:"delivery_window_open"`
	IsUsing            int      `json:"is_using"`
	FirmwareVersion    string   `json:"firmware_version,omitempty"`
	LastHeartbeat      string   `json:"last_heartbeat,omitempty"`
	PendingCommand     string   `json:"pending_command,omitempty"`
}

func toView(m models.Device) deviceView {
	v := deviceView{
		DeviceID:           m.DeviceID,
		Name:               m.Name,
		Address:            m.Address,
		Latitude:           m.Latitude,
		Longitude:          m.Longitude,
		Status:             m.Status,
		UnitPrice:          m.UnitPrice,
		BatteryLevel:       m.BatteryLevel,
		CapacityPercent:    m.CapacityPercent,
		SmokeSensorStatus:  m.SmokeSensorStatus,
		RecycleBinFull:     m.RecycleBinFull,
		DeliveryWindowOpen: m.DeliveryWindowOpen,
		IsUsing:            m.IsUsing,
		FirmwareVersion:    m.FirmwareVersion,
		PendingCommand:     m.PendingCommand,
	}
	if m.LastHeartbeat != nil {
		v.LastHeartbeat = m.LastHeartbeat.Format("2006-01-02 15:04:05")
	}
	return v
}

func (h *HTTP) createDevice(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DeviceID  string   `json:"device_id"`
		Name      string   `json:"name"`
		Address   string   `json:"address"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		UnitPrice float64  `json:"unit_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		models.WriteProblem(w, http.StatusBadRequest, "Bad JSON", err.Error(), nil)
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		models.WriteProblem(w, http.StatusBadRequest, "Bad request", "name required", nil)
		return
	}

	m := models.Device{
		DeviceID:  strings.TrimSpace(in.DeviceID),
		Name:      in.Name,
		Address:   in.Address,
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
		UnitPrice: in.UnitPrice,
	}
	if err := h.repo.Create(&m); err != nil {
		models.WriteProblem(w, http.StatusConflict, "Create failed", err.Error(), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	// секрет показываем один раз — при регистрации
	_ = json.NewEncoder(w).Encode(map[string]any{
		"device":        toView(m),
		"device_secret": m.DeviceSecret,
	})
}

func (h *HTTP) listDevices(w http.ResponseWriter, _ *http.Request) {
	ms, err := h.repo.List()
	if err != nil {
		models.WriteProblem(w, http.StatusInternalServerError, "List failed", err.Error(), nil)
		return
	}
	out := make([]deviceView, 0, len(ms))
	for _, m := range ms {
		out = append(out, toView(m))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *HTTP) getDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["device_id"]
	m, err := h.repo.Get(id)
	if err != nil {
		models.WriteProblem(w, http.StatusNotFound, "Not found", "device not found", map[string]string{"device_id": id})
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(toView(m))
}
