package models

import (
	"time"

	"gorm.io/gorm"
)

// Device — умный бак для приёма одежды. Телеметрию пишет протокольный
// слой, остальные поля обслуживают операторский контур.
type Device struct {
	gorm.Model
	DeviceID     string  `gorm:"column:device_id;size:32;uniqueIndex"`
	Name         string  `gorm:"size:100"`
	Address      string  `gorm:"size:255"`
	DeviceSecret string  `gorm:"size:64"`
	UnitPrice    float64 `gorm:"default:0.3"` // цена приёма, юань/кг

	// online | offline | maintenance
	Status        string `gorm:"size:20;default:offline;index"`
	LastHeartbeat *time.Time

	// телеметрия из device_status_report
	Latitude           *float64
	Longitude          *float64
	BatteryLevel       int    `gorm:"default:0"`
	CapacityPercent    int    `gorm:"default:0"`
	SmokeSensorStatus  int    `gorm:"default:0"`
	RecycleBinFull     int    `gorm:"default:0"`
	DeliveryWindowOpen int    `gorm:"default:0"`
	IsUsing            int    `gorm:"default:0"`
	FirmwareVersion    string `gorm:"size:32"`

	// NULL — устройство ещё ни разу успешно не отчиталось
	FirstReportAt *time.Time

	// отложенная команда: выдаётся ровно один раз, кто первый — того и команда
	PendingCommand   string `gorm:"size:64"`
	PendingCommandAt *time.Time
}

// DeviceCameraImage — один кадр из пачки, пришедшей со статусом.
// Кадры одной отправки связаны общим batch_id. Только INSERT.
type DeviceCameraImage struct {
	gorm.Model
	DeviceID   string `gorm:"size:32;index"`
	CameraType int    // 1 — внутренняя, 2 — пользовательская
	ImageIndex int    // позиция внутри своего массива
	ImageData  string `gorm:"type:text"` // base64
	BatchID    string `gorm:"size:64;index"`
	CapturedAt time.Time
}
