package protocol

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"strings"

	"rebin/internal/logs"
)

// Рамка пакета: ASCII-токены, не бинарные байты.
// Формат на проводе: 0x6868{JSON}0x1616, контрольная сумма — MD5 от
// "0x6868" + компактный JSON без поля check_code.
const (
	PacketHeader = "0x6868"
	PacketFooter = "0x1616"

	// TimeFormat — формат timestamp во всех пакетах.
	TimeFormat = "2006-01-02 15:04:05"
)

// MarshalCompact сериализует значение в компактный JSON без
// HTML-экранирования. *Object пишется собственным писателем (порядок
// ключей, литералы чисел), остальное — стандартным кодировщиком.
func MarshalCompact(v any) ([]byte, error) {
	if o, ok := v.(*Object); ok {
		return o.MarshalJSON()
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CheckCode — 32 символа, hex в нижнем регистре.
// Для структур поле check_code обязано иметь тег omitempty и быть пустым
// на момент вызова; для *Object ключ check_code отбрасывается явно.
func CheckCode(v any) (string, error) {
	if o, ok := v.(*Object); ok {
		v = o.WithoutKey("check_code")
	}
	body, err := MarshalCompact(v)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(append([]byte(PacketHeader), body...))
	return hex.EncodeToString(sum[:]), nil
}

// Verify сверяет check_code пакета. Несовпадение — не ошибка транспорта:
// логируем и отдаём false, решение за вызывающим.
func Verify(o *Object) bool {
	received := o.GetString("check_code")
	expected, err := CheckCode(o)
	if err != nil {
		logs.Logger.Warnf("check code compute failed: %v", err)
		return false
	}
	if received != expected {
		logs.Logger.Warnf("check code mismatch: expected=%s received=%s", expected, received)
		return false
	}
	return true
}

// Strip снимает рамку, если она есть. Идемпотентна: на уже очищенном
// вводе возвращает его же (с точностью до обрезки пробелов).
func Strip(raw string) string {
	data := strings.TrimSpace(raw)
	data = strings.TrimPrefix(data, PacketHeader)
	data = strings.TrimSuffix(data, PacketFooter)
	return strings.TrimSpace(data)
}

// Wrap — полный пакет для провода: рамка + компактный JSON (с check_code).
func Wrap(v any) (string, error) {
	body, err := MarshalCompact(v)
	if err != nil {
		return "", err
	}
	return PacketHeader + string(body) + PacketFooter, nil
}

// ParsePacket — снять рамку и разобрать JSON с сохранением порядка ключей.
// Ошибка разбора здесь отличается от ошибки контрольной суммы: это разные
// коды для клиента.
func ParsePacket(raw string) (*Object, error) {
	o := NewObject()
	if err := json.Unmarshal([]byte(Strip(raw)), o); err != nil {
		return nil, err
	}
	return o, nil
}
