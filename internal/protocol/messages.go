package protocol

import "time"

// Типы сообщений протокола.
const (
	MsgStatusReport = "device_status_report" // вверх: полный статус
	MsgHeartbeat    = "heartbeat_report"     // вверх: пульс без данных
	MsgServerAck    = "server_ack"           // вниз: квитанция
	MsgTimeSync     = "time_sync"            // вниз: синхронизация часов
	MsgQueryStatus  = "query_device_status"  // вниз: запрос статуса
)

// Downlink — любой нисходящий пакет. Вариант определяется msg_type.
type Downlink interface {
	Type() string
}

// Timestamp — текущее серверное время в формате протокола.
func Timestamp() string {
	return time.Now().Format(TimeFormat)
}

// ─────────────────────────── нисходящие ───────────────────────────

type AckData struct {
	ReplyMsgType string `json:"reply_msg_type"`
	AckCode      int    `json:"ack_code"`
	AckDesc      string `json:"ack_desc"`
}

type Ack struct {
	MsgType   string  `json:"msg_type"`
	DeviceID  string  `json:"device_id"`
	Timestamp string  `json:"timestamp"`
	Data      AckData `json:"data"`
	CheckCode string  `json:"check_code,omitempty"`
}

func (*Ack) Type() string { return MsgServerAck }

// NewAck — квитанция на входящий пакет. ackCode: 0 принято, 1 отказ.
func NewAck(deviceID, replyMsgType string, ackCode int, ackDesc string) *Ack {
	a := &Ack{
		MsgType:   MsgServerAck,
		DeviceID:  deviceID,
		Timestamp: Timestamp(),
		Data: AckData{
			ReplyMsgType: replyMsgType,
			AckCode:      ackCode,
			AckDesc:      ackDesc,
		},
	}
	a.CheckCode, _ = CheckCode(a)
	return a
}

type TimeSyncData struct {
	StandardTime string `json:"standard_time"`
}

type TimeSync struct {
	MsgType   string       `json:"msg_type"`
	DeviceID  string       `json:"device_id"`
	Timestamp string       `json:"timestamp"`
	Data      TimeSyncData `json:"data"`
	CheckCode string       `json:"check_code,omitempty"`
}

func (*TimeSync) Type() string { return MsgTimeSync }

// NewTimeSync — standard_time равен внешнему timestamp.
func NewTimeSync(deviceID string) *TimeSync {
	ts := Timestamp()
	s := &TimeSync{
		MsgType:   MsgTimeSync,
		DeviceID:  deviceID,
		Timestamp: ts,
		Data:      TimeSyncData{StandardTime: ts},
	}
	s.CheckCode, _ = CheckCode(s)
	return s
}

type QueryStatus struct {
	MsgType   string `json:"msg_type"`
	DeviceID  string `json:"device_id"`
	Timestamp string `json:"timestamp"`
	CheckCode string `json:"check_code,omitempty"`
}

func (*QueryStatus) Type() string { return MsgQueryStatus }

// NewQueryStatus — запрос полного статуса; поля data у пакета нет.
func NewQueryStatus(deviceID string) *QueryStatus {
	q := &QueryStatus{
		MsgType:   MsgQueryStatus,
		DeviceID:  deviceID,
		Timestamp: Timestamp(),
	}
	q.CheckCode, _ = CheckCode(q)
	return q
}

// GenericCommand — минимальный конверт для нераспознанной символической
// команды: {msg_type, device_id} без рамочных полей.
type GenericCommand struct {
	MsgType  string `json:"msg_type"`
	DeviceID string `json:"device_id"`
}

func (c *GenericCommand) Type() string { return c.MsgType }

func NewGenericCommand(deviceID, msgType string) *GenericCommand {
	return &GenericCommand{MsgType: msgType, DeviceID: deviceID}
}

// ─────────────────────────── восходящие ───────────────────────────

type Location struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Address   string  `json:"address"`
}

type CameraData struct {
	Camera1 []string `json:"camera_1"` // внутренняя камера (содержимое бака)
	Camera2 []string `json:"camera_2"` // внешняя камера (пользователь)
}

type StatusData struct {
	BatteryLevel       *int        `json:"battery_level"`
	Location           *Location   `json:"location"`
	SmokeSensorStatus  int         `json:"smoke_sensor_status"`
	RecycleBinFull     int         `json:"recycle_bin_full"`
	DeliveryWindowOpen int         `json:"delivery_window_open"`
	IsUsing            int         `json:"is_using"`
	FirmwareVersion    string      `json:"firmware_version,omitempty"`
	CameraData         *CameraData `json:"camera_data"`
}

type StatusReport struct {
	MsgType   string     `json:"msg_type"`
	DeviceID  string     `json:"device_id"`
	Timestamp string     `json:"timestamp"`
	Data      StatusData `json:"data"`
	CheckCode string     `json:"check_code"`
}

type HeartbeatReport struct {
	MsgType   string `json:"msg_type"`
	DeviceID  string `json:"device_id"`
	Timestamp string `json:"timestamp"`
	CheckCode string `json:"check_code"`
}
