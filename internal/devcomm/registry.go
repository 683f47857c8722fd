package devcomm

import (
	"context"
	"sync"
	"time"

	"rebin/internal/logs"
	"rebin/internal/protocol"

	"github.com/gorilla/websocket"
)

// socketConn — то, что регистр требует от живого соединения.
// *websocket.Conn подходит как есть; тесты подставляют фальшивку.
type socketConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Peer — зарегистрированное соединение устройства. gorilla/websocket
// допускает одного писателя, поэтому запись под собственным мьютексом.
type Peer struct {
	conn socketConn
	mu   sync.Mutex
}

func newPeer(c socketConn) *Peer { return &Peer{conn: c} }

// Send пишет пакет каноничными байтами (рамку по WS не добавляем).
func (p *Peer) Send(v any) error {
	body, err := protocol.MarshalCompact(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, body)
}

func (p *Peer) close() {
	_ = p.conn.Close()
}

// Registry — живые каналы устройств: WebSocket-соединения и каналы
// длинного опроса. Состояние только в памяти: после рестарта процесса
// все устройства считаются офлайн, пока не объявятся сами.
//
// Блокировка защищает только мутацию карт; отправка и ожидание идут вне
// критической секции.
type Registry struct {
	mu       sync.Mutex
	sockets  map[string]*Peer
	channels map[string]chan protocol.Downlink
	waiters  map[string]int
}

func NewRegistry() *Registry {
	return &Registry{
		sockets:  make(map[string]*Peer),
		channels: make(map[string]chan protocol.Downlink),
		waiters:  make(map[string]int),
	}
}

// RegisterSocket регистрирует соединение устройства. Старое соединение,
// если было, закрывается: у устройства не бывает двух живых сокетов.
func (r *Registry) RegisterSocket(deviceID string, conn socketConn) *Peer {
	p := newPeer(conn)
	r.mu.Lock()
	old := r.sockets[deviceID]
	r.sockets[deviceID] = p
	total := len(r.sockets)
	r.mu.Unlock()

	if old != nil {
		old.close()
		logs.Logger.Infof("[WS] device %s: previous socket superseded", deviceID)
	}
	logs.Logger.Infof("[WS] device %s connected (sockets: %d)", deviceID, total)
	return p
}

// UnregisterSocket снимает регистрацию, только если запись всё ещё
// указывает на этот peer. Возвращает true, если запись была снята —
// отложенная уборка вытесненного соединения не трогает преемника.
func (r *Registry) UnregisterSocket(deviceID string, p *Peer) bool {
	r.mu.Lock()
	cur, ok := r.sockets[deviceID]
	if ok && cur == p {
		delete(r.sockets, deviceID)
	}
	total := len(r.sockets)
	r.mu.Unlock()

	removed := ok && cur == p
	if removed {
		logs.Logger.Infof("[WS] device %s disconnected (sockets: %d)", deviceID, total)
	}
	return removed
}

// IsSocketConnected — есть ли живой сокет.
func (r *Registry) IsSocketConnected(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sockets[deviceID]
	return ok
}

// Send шлёт пакет в сокет устройства. Любая ошибка записи трактуется как
// обрыв: соединение снимается с учёта, полуживых записей не остаётся.
func (r *Registry) Send(deviceID string, pkt protocol.Downlink) bool {
	r.mu.Lock()
	p := r.sockets[deviceID]
	r.mu.Unlock()
	if p == nil {
		return false
	}
	if err := p.Send(pkt); err != nil {
		logs.Logger.Warnf("[WS] device %s send failed: %v", deviceID, err)
		if r.UnregisterSocket(deviceID, p) {
			p.close()
		}
		return false
	}
	return true
}

// pollChannel — канал устройства, создаётся лениво, переживает опросы.
// Буфер на одну команду: выдача между двумя опросами не теряется.
func (r *Registry) pollChannel(deviceID string) chan protocol.Downlink {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[deviceID]
	if !ok {
		ch = make(chan protocol.Downlink, 1)
		r.channels[deviceID] = ch
	}
	return ch
}

// IsPollWaiting — true, только если потребитель реально заблокирован на
// канале (а не просто канал когда-то создавался).
func (r *Registry) IsPollWaiting(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiters[deviceID] > 0
}

// WaitCommand блокируется до команды, таймаута или отмены запроса.
// Регистрация ожидающего снимается при любом исходе, чтобы Dispatch не
// считал слушателем того, кого уже нет.
func (r *Registry) WaitCommand(ctx context.Context, deviceID string, timeout time.Duration) (protocol.Downlink, bool) {
	ch := r.pollChannel(deviceID)

	r.mu.Lock()
	r.waiters[deviceID]++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.waiters[deviceID]--
		r.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case cmd := <-ch:
		return cmd, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Dispatch пытается доставить команду в реальном времени:
// сокет, затем длинный опрос. Возвращает способ доставки.
func (r *Registry) Dispatch(deviceID string, pkt protocol.Downlink) (bool, string) {
	if r.Send(deviceID, pkt) {
		return true, "websocket"
	}

	r.mu.Lock()
	waiting := r.waiters[deviceID] > 0
	ch := r.channels[deviceID]
	r.mu.Unlock()
	if waiting && ch != nil {
		select {
		case ch <- pkt:
			return true, "long_polling"
		default:
			// буфер занят невыбранной командой — надёжнее уйти в очередь БД
		}
	}
	return false, ""
}

// Summary — срез для операционной видимости, ни на что не влияет.
type Summary struct {
	WebSocket   int      `json:"websocket"`
	LongPolling int      `json:"long_polling"`
	TotalOnline int      `json:"total_online"`
	WSDeviceIDs []string `json:"ws_device_ids"`
}

func (r *Registry) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{WebSocket: len(r.sockets), WSDeviceIDs: make([]string, 0, len(r.sockets))}
	for id := range r.sockets {
		s.WSDeviceIDs = append(s.WSDeviceIDs, id)
	}
	for _, n := range r.waiters {
		if n > 0 {
			s.LongPolling++
		}
	}
	s.TotalOnline = s.WebSocket + s.LongPolling
	return s
}
