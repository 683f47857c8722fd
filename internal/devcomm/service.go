package devcomm

import (
	"strings"
	"sync"
	"time"

	"rebin/internal/logs"
	"rebin/internal/protocol"

	"github.com/google/uuid"
)

// minImageLen — кадры короче этого считаются пустышками и не сохраняются.
const minImageLen = 10

// keyedLocks — мьютекс на device_id: пакеты одного устройства
// обрабатываются последовательно, разные устройства — параллельно.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Service — конечный автомат устройства поверх Store + диспетчер команд.
// Долгоживущего состояния не имеет: каждый входящий пакет — независимый
// запрос-ответ над хранилищем.
type Service struct {
	store Store
	reg   *Registry
	locks keyedLocks
}

func NewService(store Store, reg *Registry) *Service {
	return &Service{store: store, reg: reg}
}

func (s *Service) Store() Store        { return s.store }
func (s *Service) Registry() *Registry { return s.reg }

// StatusResult — исход обработки device_status_report.
type StatusResult struct {
	OK       bool
	Message  string
	Ack      *protocol.Ack
	TimeSync *protocol.TimeSync // только при первом в жизни отчёте
}

// HeartbeatResult — исход обработки heartbeat_report.
// TimeSync присутствует всегда, независимо от успеха.
type HeartbeatResult struct {
	OK       bool
	Message  string
	Ack      *protocol.Ack
	TimeSync *protocol.TimeSync
	Command  protocol.Downlink // отложенная команда, если была
}

// ProcessStatusReport применяет статусный отчёт к устройству.
// Повторная доставка того же пакета безопасна: слияние идемпотентно,
// first_report_at второй раз не переводится.
func (s *Service) ProcessStatusReport(pkt *protocol.Object) StatusResult {
	deviceID := pkt.GetString("device_id")

	if !protocol.Verify(pkt) {
		return StatusResult{
			Message: "check code mismatch",
			Ack:     protocol.NewAck(deviceID, protocol.MsgStatusReport, 1, "checksum failed"),
		}
	}

	var rep protocol.StatusReport
	if err := pkt.Decode(&rep); err != nil {
		logs.Logger.Warnf("device %s: malformed status report: %v", deviceID, err)
		return StatusResult{
			Message: "malformed report",
			Ack:     protocol.NewAck(deviceID, protocol.MsgStatusReport, 1, "malformed report data"),
		}
	}

	unlock := s.locks.lock(deviceID)
	defer unlock()

	dev, ok := s.store.Find(deviceID)
	if !ok {
		return StatusResult{
			Message: "device not registered",
			Ack:     protocol.NewAck(deviceID, protocol.MsgStatusReport, 1, "device not found"),
		}
	}

	wasFirstReport := dev.FirstReportAt == nil

	now := time.Now()
	upd := StatusUpdate{
		SmokeSensorStatus:  rep.Data.SmokeSensorStatus,
		RecycleBinFull:     rep.Data.RecycleBinFull,
		DeliveryWindowOpen: rep.Data.DeliveryWindowOpen,
		IsUsing:            rep.Data.IsUsing,
		At:                 now,
		FirstReport:        wasFirstReport,
	}
	if rep.Data.BatteryLevel != nil {
		upd.BatteryLevel = rep.Data.BatteryLevel
	}
	// координаты и адрес: пустое значение не затирает сохранённое
	if loc := rep.Data.Location; loc != nil {
		if loc.Longitude != 0 {
			lon := loc.Longitude
			upd.Longitude = &lon
		}
		if loc.Latitude != 0 {
			lat := loc.Latitude
			upd.Latitude = &lat
		}
		if loc.Address != "" {
			addr := loc.Address
			upd.Address = &addr
		}
	}
	if fw := strings.TrimSpace(rep.Data.FirmwareVersion); fw != "" {
		upd.FirmwareVersion = &fw
	}

	shots, batchID := collectShots(rep.Data.CameraData)

	if err := s.store.ApplyStatusReport(deviceID, upd, shots, batchID); err != nil {
		logs.Logger.Errorf("device %s: status report apply failed: %v", deviceID, err)
		return StatusResult{
			Message: err.Error(),
			Ack:     protocol.NewAck(deviceID, protocol.MsgStatusReport, 1, "processing failed"),
		}
	}

	logs.Logger.Infof(
		"device %s status report: battery=%v smoke=%d bin_full=%d window=%d using=%d images=%d",
		deviceID, rep.Data.BatteryLevel, rep.Data.SmokeSensorStatus, rep.Data.RecycleBinFull,
		rep.Data.DeliveryWindowOpen, rep.Data.IsUsing, len(shots),
	)

	res := StatusResult{
		OK:      true,
		Message: "ok",
		Ack:     protocol.NewAck(deviceID, protocol.MsgStatusReport, 0, "ok"),
	}
	// первый в жизни отчёт — вдогонку к квитанции сверяем часы
	if wasFirstReport {
		res.TimeSync = protocol.NewTimeSync(deviceID)
		logs.Logger.Infof("device %s first report, sending time sync", deviceID)
	}
	return res
}

// collectShots фильтрует мусорные кадры и назначает пачке batch_id.
func collectShots(cd *protocol.CameraData) ([]CameraShot, string) {
	if cd == nil {
		return nil, ""
	}
	var shots []CameraShot
	for idx, img := range cd.Camera1 {
		if len(img) > minImageLen {
			shots = append(shots, CameraShot{CameraType: 1, Index: idx, Data: img})
		}
	}
	for idx, img := range cd.Camera2 {
		if len(img) > minImageLen {
			shots = append(shots, CameraShot{CameraType: 2, Index: idx, Data: img})
		}
	}
	if len(shots) == 0 {
		return nil, ""
	}
	return shots, newBatchID()
}

func newBatchID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// ProcessHeartbeat обновляет пульс устройства. time_sync уходит всегда —
// часы устройств пересинхронизируются на каждом пульсе, даже если сам
// пакет забракован.
func (s *Service) ProcessHeartbeat(pkt *protocol.Object) HeartbeatResult {
	deviceID := pkt.GetString("device_id")
	timeSync := protocol.NewTimeSync(deviceID)

	if !protocol.Verify(pkt) {
		return HeartbeatResult{
			Message:  "check code mismatch",
			Ack:      protocol.NewAck(deviceID, protocol.MsgHeartbeat, 1, "checksum failed"),
			TimeSync: timeSync,
		}
	}

	unlock := s.locks.lock(deviceID)
	defer unlock()

	if _, ok := s.store.Find(deviceID); !ok {
		return HeartbeatResult{
			Message:  "device not registered",
			Ack:      protocol.NewAck(deviceID, protocol.MsgHeartbeat, 1, "device not found"),
			TimeSync: timeSync,
		}
	}

	if err := s.store.MarkHeartbeat(deviceID, time.Now()); err != nil {
		logs.Logger.Errorf("device %s: heartbeat apply failed: %v", deviceID, err)
		return HeartbeatResult{
			Message:  err.Error(),
			Ack:      protocol.NewAck(deviceID, protocol.MsgHeartbeat, 1, "processing failed"),
			TimeSync: timeSync,
		}
	}

	// отложенная команда выдаётся ровно один раз
	var cmdPkt protocol.Downlink
	if cmd, ok, err := s.store.TakePendingCommand(deviceID); err != nil {
		logs.Logger.Errorf("device %s: pending command read failed: %v", deviceID, err)
	} else if ok {
		cmdPkt = s.buildCommand(deviceID, cmd)
		logs.Logger.Infof("device %s: pending command %s delivered via heartbeat", deviceID, cmd)
	}

	return HeartbeatResult{
		OK:       true,
		Message:  "ok",
		Ack:      protocol.NewAck(deviceID, protocol.MsgHeartbeat, 0, "ok"),
		TimeSync: timeSync,
		Command:  cmdPkt,
	}
}

// buildCommand собирает нисходящий пакет по символическому имени команды.
// Нераспознанное имя деградирует до минимального конверта.
func (s *Service) buildCommand(deviceID, command string) protocol.Downlink {
	switch command {
	case protocol.MsgQueryStatus:
		return protocol.NewQueryStatus(deviceID)
	default:
		logs.Logger.Warnf("device %s: unrecognized command %q, sending bare envelope", deviceID, command)
		return protocol.NewGenericCommand(deviceID, command)
	}
}

// SendCommand доставляет операторскую команду устройству. Цепочка:
// сокет → длинный опрос → очередь в хранилище. Команда не теряется:
// либо доставлена сейчас, либо надёжно поставлена в очередь.
func (s *Service) SendCommand(deviceID, command string) (bool, string) {
	if _, ok := s.store.Find(deviceID); !ok {
		return false, "device_not_found"
	}

	pkt := s.buildCommand(deviceID, command)
	if delivered, method := s.reg.Dispatch(deviceID, pkt); delivered {
		logs.Logger.Infof("command %s pushed to device %s via %s", command, deviceID, method)
		return true, method
	}

	unlock := s.locks.lock(deviceID)
	defer unlock()
	if err := s.store.SetPendingCommand(deviceID, command, time.Now()); err != nil {
		logs.Logger.Errorf("device %s: command %s queue failed: %v", deviceID, command, err)
		return false, "queue_failed"
	}
	logs.Logger.Infof("device %s offline, command %s queued", deviceID, command)
	return true, "queued"
}

// TakePendingCommand — выдача отложенной команды короткому опросу.
// Тот же контракт «ровно один раз», что и у пульса.
func (s *Service) TakePendingCommand(deviceID string) (protocol.Downlink, bool) {
	unlock := s.locks.lock(deviceID)
	defer unlock()

	cmd, ok, err := s.store.TakePendingCommand(deviceID)
	if err != nil || !ok {
		if err != nil {
			logs.Logger.Errorf("device %s: pending command read failed: %v", deviceID, err)
		}
		return nil, false
	}
	logs.Logger.Infof("device %s polled pending command: %s", deviceID, cmd)
	return s.buildCommand(deviceID, cmd), true
}

// MarkOnline/MarkOffline — учёт подключения WebSocket.
func (s *Service) MarkOnline(deviceID string) {
	if err := s.store.MarkHeartbeat(deviceID, time.Now()); err != nil {
		logs.Logger.Warnf("device %s: online mark failed: %v", deviceID, err)
	}
}

func (s *Service) MarkOffline(deviceID string) {
	if err := s.store.UpdateStatus(deviceID, "offline"); err != nil {
		logs.Logger.Warnf("device %s: offline mark failed: %v", deviceID, err)
	}
}
