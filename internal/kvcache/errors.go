package kvcache

import (
	"errors"
	"strconv"
)

var (
	// ErrInvalidValue: значение nil или не кодируется.
	ErrInvalidValue = errors.New("invalid value")

	// ErrStoreOperationFailed оборачивает ошибки транспорта, таймауты, ошибки
	// протокола и ошибки декодирования сохранённых данных.
	ErrStoreOperationFailed = errors.New("store operation failed")

	// ErrNotFound возвращают только чтения, требующие наличия ключа.
	ErrNotFound = errors.New("not found")

	// ErrClosed прикладывается к операциям, вызванным после Disconnect.
	ErrClosed = errors.New("service is disconnected")
)

// OpError описывает неудачную операцию. Unwrap возвращает и Kind, и Err,
// поэтому errors.Is находит как вид ошибки, так и исходную причину.
type OpError struct {
	Op   string
	Key  string // key, pattern or channel the operation addressed
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Key != "" {
		msg += " " + strconv.Quote(e.Key)
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
