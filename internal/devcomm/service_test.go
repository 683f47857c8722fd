package devcomm

import (
	"strings"
	"testing"
	"time"

	"rebin/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(devices ...string) (*Service, *memStore, *Registry) {
	st := NewMemStore()
	for _, id := range devices {
		st.Put(DeviceFields{DeviceID: id, Name: "bin " + id})
	}
	reg := NewRegistry()
	return NewService(st, reg), st, reg
}

func seal(o *protocol.Object) *protocol.Object {
	code, _ := protocol.CheckCode(o)
	o.Set("check_code", code)
	return o
}

func heartbeatPacket(deviceID string) *protocol.Object {
	o := protocol.NewObject()
	o.Set("msg_type", protocol.MsgHeartbeat)
	o.Set("device_id", deviceID)
	o.Set("timestamp", protocol.Timestamp())
	return seal(o)
}

type reportOpts struct {
	battery  int
	lon, lat float64
	address  string
	isUsing  int
	camera1  []string
	camera2  []string
}

func statusPacket(deviceID string, opt reportOpts) *protocol.Object {
	loc := protocol.NewObject()
	loc.Set("longitude", opt.lon)
	loc.Set("latitude", opt.lat)
	loc.Set("address", opt.address)

	cam := protocol.NewObject()
	c1 := make([]any, 0, len(opt.camera1))
	for _, s := range opt.camera1 {
		c1 = append(c1, s)
	}
	c2 := make([]any, 0, len(opt.camera2))
	for _, s := range opt.camera2 {
		c2 = append(c2, s)
	}
	cam.Set("camera_1", c1)
	cam.Set("camera_2", c2)

	data := protocol.NewObject()
	data.Set("battery_level", opt.battery)
	data.Set("location", loc)
	data.Set("smoke_sensor_status", 0)
	data.Set("recycle_bin_full", 0)
	data.Set("delivery_window_open", 0)
	data.Set("is_using", opt.isUsing)
	data.Set("camera_data", cam)

	o := protocol.NewObject()
	o.Set("msg_type", protocol.MsgStatusReport)
	o.Set("device_id", deviceID)
	o.Set("timestamp", protocol.Timestamp())
	o.Set("data", data)
	return seal(o)
}

func TestStatusReportBadChecksum(t *testing.T) {
	svc, st, _ := newTestService("DEV001")

	pkt := statusPacket("DEV001", reportOpts{battery: 85})
	pkt.Set("check_code", strings.Repeat("0", 32))

	res := svc.ProcessStatusReport(pkt)

	assert.False(t, res.OK)
	assert.Equal(t, 1, res.Ack.Data.AckCode)
	assert.Nil(t, res.TimeSync)
	// состояние устройства не тронуто
	dev, _ := st.Find("DEV001")
	assert.Equal(t, "offline", dev.Status)
	assert.Equal(t, 0, dev.BatteryLevel)
	assert.Nil(t, dev.FirstReportAt)
}

func TestStatusReportUnknownDevice(t *testing.T) {
	svc, _, _ := newTestService()

	res := svc.ProcessStatusReport(statusPacket("GHOST", reportOpts{battery: 50}))

	assert.False(t, res.OK)
	assert.Equal(t, 1, res.Ack.Data.AckCode)
	assert.Equal(t, "device not found", res.Ack.Data.AckDesc)
	assert.Nil(t, res.TimeSync)
}

func TestFullReportCycle(t *testing.T) {
	svc, st, _ := newTestService("DEV001")

	res := svc.ProcessStatusReport(statusPacket("DEV001", reportOpts{battery: 85}))

	require.True(t, res.OK)
	assert.Equal(t, 0, res.Ack.Data.AckCode)

	// первый в жизни отчёт — пришёл time_sync со свежим временем
	require.NotNil(t, res.TimeSync)
	ts, err := time.ParseInLocation(protocol.TimeFormat, res.TimeSync.Data.StandardTime, time.Local)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, 2*time.Second)

	dev, _ := st.Find("DEV001")
	assert.Equal(t, "online", dev.Status)
	assert.Equal(t, 85, dev.BatteryLevel)
	assert.NotNil(t, dev.FirstReportAt)
	assert.NotNil(t, dev.LastHeartbeat)

	// второй отчёт — уже без time_sync
	res2 := svc.ProcessStatusReport(statusPacket("DEV001", reportOpts{battery: 84}))
	require.True(t, res2.OK)
	assert.Nil(t, res2.TimeSync)

	dev, _ = st.Find("DEV001")
	assert.Equal(t, 84, dev.BatteryLevel)
}

func TestStatusReportKeepsLocationWhenAbsent(t *testing.T) {
	svc, st, _ := newTestService("DEV001")

	res := svc.ProcessStatusReport(statusPacket("DEV001", reportOpts{
		battery: 90, lon: 113.9423, lat: 22.5431, address: "Shenzhen Qianhai",
	}))
	require.True(t, res.OK)

	// следующий отчёт без координат не затирает сохранённые
	res = svc.ProcessStatusReport(statusPacket("DEV001", reportOpts{battery: 88}))
	require.True(t, res.OK)

	dev, _ := st.Find("DEV001")
	require.NotNil(t, dev.Longitude)
	assert.InDelta(t, 113.9423, *dev.Longitude, 1e-9)
	assert.Equal(t, "Shenzhen Qianhai", dev.Address)
}

func TestStatusReportFlagsOverwrittenWithZero(t *testing.T) {
	svc, st, _ := newTestService("DEV001")

	pkt := statusPacket("DEV001", reportOpts{battery: 90, isUsing: 1})
	require.True(t, svc.ProcessStatusReport(pkt).OK)
	dev, _ := st.Find("DEV001")
	assert.Equal(t, 1, dev.IsUsing)

	pkt = statusPacket("DEV001", reportOpts{battery: 90, isUsing: 0})
	require.True(t, svc.ProcessStatusReport(pkt).OK)
	dev, _ = st.Find("DEV001")
	assert.Equal(t, 0, dev.IsUsing)
}

func TestCameraBatch(t *testing.T) {
	svc, st, _ := newTestService("DEV001")

	imgA := strings.Repeat("a", 64)
	imgB := strings.Repeat("b", 64)
	imgC := strings.Repeat("c", 64)

	res := svc.ProcessStatusReport(statusPacket("DEV001", reportOpts{
		battery: 70,
		camera1: []string{imgA, imgB},
		camera2: []string{imgC},
	}))
	require.True(t, res.OK)

	shots := st.Shots("DEV001")
	require.Len(t, shots, 3)

	// все кадры одной пачки делят batch_id
	batch := shots[0].BatchID
	assert.Len(t, batch, 16)
	for _, s := range shots {
		assert.Equal(t, batch, s.BatchID)
	}

	// индексация в пределах своего массива
	assert.Equal(t, 1, shots[0].CameraType)
	assert.Equal(t, 0, shots[0].Index)
	assert.Equal(t, 1, shots[1].CameraType)
	assert.Equal(t, 1, shots[1].Index)
	assert.Equal(t, 2, shots[2].CameraType)
	assert.Equal(t, 0, shots[2].Index)
}

func TestCameraBatchFiltersJunk(t *testing.T) {
	svc, st, _ := newTestService("DEV001")

	res := svc.ProcessStatusReport(statusPacket("DEV001", reportOpts{
		battery: 70,
		camera1: []string{"", "short", strings.Repeat("x", 32)},
	}))
	require.True(t, res.OK)

	shots := st.Shots("DEV001")
	require.Len(t, shots, 1)
	// индекс кадра — позиция в исходном массиве
	assert.Equal(t, 2, shots[0].Index)
}

func TestHeartbeatAlwaysSyncsTime(t *testing.T) {
	svc, _, _ := newTestService("DEV001")

	// валидный пульс
	res := svc.ProcessHeartbeat(heartbeatPacket("DEV001"))
	assert.True(t, res.OK)
	require.NotNil(t, res.TimeSync)

	// битая сумма — time_sync всё равно уходит
	bad := heartbeatPacket("DEV001")
	bad.Set("check_code", strings.Repeat("f", 32))
	res = svc.ProcessHeartbeat(bad)
	assert.False(t, res.OK)
	require.NotNil(t, res.TimeSync)

	// неизвестное устройство — тоже
	res = svc.ProcessHeartbeat(heartbeatPacket("GHOST"))
	assert.False(t, res.OK)
	require.NotNil(t, res.TimeSync)
	assert.Nil(t, res.Command)
}

func TestHeartbeatMarksOnline(t *testing.T) {
	svc, st, _ := newTestService("DEV001")

	res := svc.ProcessHeartbeat(heartbeatPacket("DEV001"))
	require.True(t, res.OK)
	assert.Equal(t, 0, res.Ack.Data.AckCode)

	dev, _ := st.Find("DEV001")
	assert.Equal(t, "online", dev.Status)
	require.NotNil(t, dev.LastHeartbeat)
	assert.WithinDuration(t, time.Now(), *dev.LastHeartbeat, 2*time.Second)
}

func TestQueuedCommandDeliveredOnHeartbeatOnce(t *testing.T) {
	svc, _, _ := newTestService("DEV001")

	// устройство офлайн: ни сокета, ни опроса — команда в очередь
	accepted, method := svc.SendCommand("DEV001", protocol.MsgQueryStatus)
	require.True(t, accepted)
	require.Equal(t, "queued", method)

	res := svc.ProcessHeartbeat(heartbeatPacket("DEV001"))
	require.True(t, res.OK)
	require.NotNil(t, res.Command)
	assert.Equal(t, protocol.MsgQueryStatus, res.Command.Type())

	// второй пульс сразу следом — команды уже нет
	res = svc.ProcessHeartbeat(heartbeatPacket("DEV001"))
	require.True(t, res.OK)
	assert.Nil(t, res.Command)
}

func TestCommandConsumeOnceAcrossPaths(t *testing.T) {
	svc, _, _ := newTestService("DEV001")

	accepted, method := svc.SendCommand("DEV001", protocol.MsgQueryStatus)
	require.True(t, accepted)
	require.Equal(t, "queued", method)

	// короткий опрос забирает команду первым
	cmd, ok := svc.TakePendingCommand("DEV001")
	require.True(t, ok)
	assert.Equal(t, protocol.MsgQueryStatus, cmd.Type())

	// пульс следом ничего не видит
	res := svc.ProcessHeartbeat(heartbeatPacket("DEV001"))
	require.True(t, res.OK)
	assert.Nil(t, res.Command)

	// и повторный опрос тоже
	_, ok = svc.TakePendingCommand("DEV001")
	assert.False(t, ok)
}

func TestSendCommandDeviceNotFound(t *testing.T) {
	svc, _, _ := newTestService()

	accepted, method := svc.SendCommand("GHOST", protocol.MsgQueryStatus)

	assert.False(t, accepted)
	assert.Equal(t, "device_not_found", method)
}

func TestSendCommandViaSocket(t *testing.T) {
	svc, _, reg := newTestService("DEV001")
	conn := &fakeConn{}
	reg.RegisterSocket("DEV001", conn)

	accepted, method := svc.SendCommand("DEV001", protocol.MsgQueryStatus)

	require.True(t, accepted)
	assert.Equal(t, "websocket", method)
	assert.Equal(t, 1, conn.sentCount())

	// в очередь ничего не попало
	_, ok := svc.TakePendingCommand("DEV001")
	assert.False(t, ok)
}

func TestSendCommandUnknownNameDegrades(t *testing.T) {
	svc, _, _ := newTestService("DEV001")

	accepted, method := svc.SendCommand("DEV001", "reboot")
	require.True(t, accepted)
	require.Equal(t, "queued", method)

	res := svc.ProcessHeartbeat(heartbeatPacket("DEV001"))
	require.True(t, res.OK)
	require.NotNil(t, res.Command)
	assert.Equal(t, "reboot", res.Command.Type())
}

func TestMarkOnlineOffline(t *testing.T) {
	svc, st, _ := newTestService("DEV001")

	svc.MarkOnline("DEV001")
	dev, _ := st.Find("DEV001")
	assert.Equal(t, "online", dev.Status)

	svc.MarkOffline("DEV001")
	dev, _ = st.Find("DEV001")
	assert.Equal(t, "offline", dev.Status)
}
