package devcomm

import (
	"errors"
	"sync"
	"time"
)

// DeviceFields — DTO устройства, с которым работает протокольный слой.
type DeviceFields struct {
	DeviceID  string
	Name      string
	Address   string
	UnitPrice float64

	Status        string
	LastHeartbeat *time.Time

	Latitude           *float64
	Longitude          *float64
	BatteryLevel       int
	CapacityPercent    int
	SmokeSensorStatus  int
	RecycleBinFull     int
	DeliveryWindowOpen int
	IsUsing            int
	FirmwareVersion    string

	FirstReportAt *time.Time

	PendingCommand   string
	PendingCommandAt *time.Time
}

// StatusUpdate — слияние телеметрии из одного device_status_report.
// Указатели — «поле пришло»: отсутствующее значение никогда не затирает
// сохранённое. Флаги перезаписываются всегда, в том числе нулём.
type StatusUpdate struct {
	BatteryLevel    *int
	Longitude       *float64
	Latitude        *float64
	Address         *string
	FirmwareVersion *string

	SmokeSensorStatus  int
	RecycleBinFull     int
	DeliveryWindowOpen int
	IsUsing            int

	At          time.Time
	FirstReport bool // выставить first_report_at = At
}

// CameraShot — кадр для сохранения (после фильтра мусорных строк).
type CameraShot struct {
	CameraType int
	Index      int
	Data       string
}

// Store — контракт хранилища устройств. Реализации: gorm (repo.DeviceStore)
// и память (NewMemStore) для режима без БД и тестов.
type Store interface {
	Find(deviceID string) (DeviceFields, bool)
	UpdateStatus(deviceID, status string) error
	// MarkHeartbeat: status=online + last_heartbeat=at.
	MarkHeartbeat(deviceID string, at time.Time) error
	// ApplyStatusReport: телеметрия + кадры + first_report_at одной
	// транзакцией; при ошибке состояние не меняется.
	ApplyStatusReport(deviceID string, upd StatusUpdate, shots []CameraShot, batchID string) error
	SetPendingCommand(deviceID, command string, at time.Time) error
	// TakePendingCommand: атомарное «прочитал и очистил». При гонке команду
	// получает ровно один вызов.
	TakePendingCommand(deviceID string) (string, bool, error)
}

var ErrDeviceNotFound = errors.New("device not found")

// ─────────────────────────── in-memory store (fallback) ───────────────────────────

type memStore struct {
	mu      sync.RWMutex
	byID    map[string]DeviceFields
	shots   map[string][]storedShot // deviceID → кадры (для тестов)
	batches map[string][]string     // deviceID → batch_id по порядку
}

type storedShot struct {
	CameraShot
	BatchID    string
	CapturedAt time.Time
}

func NewMemStore() *memStore {
	return &memStore{
		byID:    make(map[string]DeviceFields),
		shots:   make(map[string][]storedShot),
		batches: make(map[string][]string),
	}
}

// Put регистрирует устройство (или перезаписывает целиком).
func (m *memStore) Put(d DeviceFields) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Status == "" {
		d.Status = "offline"
	}
	m.byID[d.DeviceID] = d
}

func (m *memStore) Find(id string) (DeviceFields, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	return d, ok
}

func (m *memStore) UpdateStatus(id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Status = status
	m.byID[id] = d
	return nil
}

func (m *memStore) MarkHeartbeat(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Status = "online"
	t := at
	d.LastHeartbeat = &t
	m.byID[id] = d
	return nil
}

func (m *memStore) ApplyStatusReport(id string, upd StatusUpdate, shots []CameraShot, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return ErrDeviceNotFound
	}

	d.Status = "online"
	at := upd.At
	d.LastHeartbeat = &at
	if upd.BatteryLevel != nil {
		d.BatteryLevel = *upd.BatteryLevel
	}
	if upd.Longitude != nil {
		d.Longitude = upd.Longitude
	}
	if upd.Latitude != nil {
		d.Latitude = upd.Latitude
	}
	if upd.Address != nil {
		d.Address = *upd.Address
	}
	if upd.FirmwareVersion != nil {
		d.FirmwareVersion = *upd.FirmwareVersion
	}
	d.SmokeSensorStatus = upd.SmokeSensorStatus
	d.RecycleBinFull = upd.RecycleBinFull
	d.DeliveryWindowOpen = upd.DeliveryWindowOpen
	d.IsUsing = upd.IsUsing
	if upd.RecycleBinFull == 1 {
		d.CapacityPercent = 100
	}
	if upd.FirstReport {
		d.FirstReportAt = &at
	}

	for _, s := range shots {
		m.shots[id] = append(m.shots[id], storedShot{CameraShot: s, BatchID: batchID, CapturedAt: at})
	}
	if len(shots) > 0 {
		m.batches[id] = append(m.batches[id], batchID)
	}

	m.byID[id] = d
	return nil
}

func (m *memStore) SetPendingCommand(id, command string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.PendingCommand = command
	t := at
	d.PendingCommandAt = &t
	m.byID[id] = d
	return nil
}

func (m *memStore) TakePendingCommand(id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return "", false, ErrDeviceNotFound
	}
	if d.PendingCommand == "" {
		return "", false, nil
	}
	cmd := d.PendingCommand
	d.PendingCommand = ""
	d.PendingCommandAt = nil
	m.byID[id] = d
	return cmd, true, nil
}

// Shots — сохранённые кадры устройства (для тестов).
func (m *memStore) Shots(id string) []storedShot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]storedShot, len(m.shots[id]))
	copy(out, m.shots[id])
	return out
}
