package repo

import (
	"errors"
	"strings"
	"time"

	"rebin/internal/devcomm"
	"rebin/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeviceStore — gorm-реализация devcomm.Store плюс операторские выборки.
type DeviceStore struct {
	db *gorm.DB
}

func NewDeviceStore(db *gorm.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

func toFields(m models.Device) devcomm.DeviceFields {
	return devcomm.DeviceFields{
		DeviceID:           m.DeviceID,
		Name:               m.Name,
		Address:            m.Address,
		UnitPrice:          m.UnitPrice,
		Status:             m.Status,
		LastHeartbeat:      m.LastHeartbeat,
		Latitude:           m.Latitude,
		Longitude:          m.Longitude,
		BatteryLevel:       m.BatteryLevel,
		CapacityPercent:    m.CapacityPercent,
		SmokeSensorStatus:  m.SmokeSensorStatus,
		RecycleBinFull:     m.RecycleBinFull,
		DeliveryWindowOpen: m.DeliveryWindowOpen,
		IsUsing:            m.IsUsing,
		FirmwareVersion:    m.FirmwareVersion,
		FirstReportAt:      m.FirstReportAt,
		PendingCommand:     m.PendingCommand,
		PendingCommandAt:   m.PendingCommandAt,
	}
}

func (s *DeviceStore) Find(deviceID string) (devcomm.DeviceFields, bool) {
	var m models.Device
	if err := s.db.Where("device_id = ?", deviceID).First(&m).Error; err != nil {
		return devcomm.DeviceFields{}, false
	}
	return toFields(m), true
}

func (s *DeviceStore) UpdateStatus(deviceID, status string) error {
	return s.db.Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Update("status", status).Error
}

func (s *DeviceStore) MarkHeartbeat(deviceID string, at time.Time) error {
	return s.db.Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{"status": "online", "last_heartbeat": at}).Error
}

// ApplyStatusReport — телеметрия + кадры + отметка первого отчёта одной
// транзакцией; при ошибке откат целиком.
func (s *DeviceStore) ApplyStatusReport(deviceID string, upd devcomm.StatusUpdate, shots []devcomm.CameraShot, batchID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		cols := map[string]any{
			"status":               "online",
			"last_heartbeat":       upd.At,
			"smoke_sensor_status":  upd.SmokeSensorStatus,
			"recycle_bin_full":     upd.RecycleBinFull,
			"delivery_window_open": upd.DeliveryWindowOpen,
			"is_using":             upd.IsUsing,
		}
		if upd.BatteryLevel != nil {
			cols["battery_level"] = *upd.BatteryLevel
		}
		if upd.Longitude != nil {
			cols["longitude"] = *upd.Longitude
		}
		if upd.Latitude != nil {
			cols["latitude"] = *upd.Latitude
		}
		if upd.Address != nil {
			cols["address"] = *upd.Address
		}
		if upd.FirmwareVersion != nil {
			cols["firmware_version"] = *upd.FirmwareVersion
		}
		if upd.RecycleBinFull == 1 {
			cols["capacity_percent"] = 100
		}
		if upd.FirstReport {
			cols["first_report_at"] = upd.At
		}

		res := tx.Model(&models.Device{}).Where("device_id = ?", deviceID).Updates(cols)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return devcomm.ErrDeviceNotFound
		}

		for _, shot := range shots {
			img := models.DeviceCameraImage{
				DeviceID:   deviceID,
				CameraType: shot.CameraType,
				ImageIndex: shot.Index,
				ImageData:  shot.Data,
				BatchID:    batchID,
				CapturedAt: upd.At,
			}
			if err := tx.Create(&img).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *DeviceStore) SetPendingCommand(deviceID, command string, at time.Time) error {
	res := s.db.Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]any{"pending_command": command, "pending_command_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return devcomm.ErrDeviceNotFound
	}
	return nil
}

// TakePendingCommand — условный UPDATE как compare-and-clear: из двух
// конкурентов команду заберёт тот, чей UPDATE зацепил строку.
func (s *DeviceStore) TakePendingCommand(deviceID string) (string, bool, error) {
	var m models.Device
	if err := s.db.Where("device_id = ?", deviceID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, devcomm.ErrDeviceNotFound
		}
		return "", false, err
	}
	if m.PendingCommand == "" {
		return "", false, nil
	}

	res := s.db.Model(&models.Device{}).
		Where("device_id = ? AND pending_command = ?", deviceID, m.PendingCommand).
		Updates(map[string]any{"pending_command": "", "pending_command_at": nil})
	if res.Error != nil {
		return "", false, res.Error
	}
	if res.RowsAffected == 0 {
		// конкурент успел первым
		return "", false, nil
	}
	return m.PendingCommand, true, nil
}

// ─────────────────────────── операторские выборки ───────────────────────────

func (s *DeviceStore) List() ([]models.Device, error) {
	var out []models.Device
	err := s.db.Order("device_id asc").Find(&out).Error
	return out, err
}

func (s *DeviceStore) Get(deviceID string) (models.Device, error) {
	var m models.Device
	err := s.db.Where("device_id = ?", deviceID).First(&m).Error
	return m, err
}

// Create регистрирует устройство; device_id можно не присылать —
// сгенерируем, секрет выдаём всегда свой.
func (s *DeviceStore) Create(m *models.Device) error {
	if strings.TrimSpace(m.DeviceID) == "" {
		m.DeviceID = "DEV_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	}
	if m.DeviceSecret == "" {
		m.DeviceSecret = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if m.Status == "" {
		m.Status = "offline"
	}
	return s.db.Create(m).Error
}

// MarkStaleOffline гасит устройства с протухшим пульсом. Регистр
// соединений после рестарта пуст, так что источником истины остаётся
// last_heartbeat в БД.
func (s *DeviceStore) MarkStaleOffline(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.Model(&models.Device{}).
		Where("status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)", "online", cutoff).
		Update("status", "offline")
	return res.RowsAffected, res.Error
}
