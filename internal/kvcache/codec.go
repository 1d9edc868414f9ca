package kvcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Codec преобразует значения в текст, хранимый под ключом, и обратно.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec хранит значения как JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

var (
	errNilValue     = errors.New("value must not be nil")
	errNullEncoding = errors.New("value encodes to null")
	nullLiteral     = []byte("null")
)

// checkValue отклоняет значения, которые сохранились бы как null или
// вообще не имеют сериализованной формы.
func checkValue(value any) error {
	if value == nil {
		return errNilValue
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("values of kind %s are not serializable", rv.Kind())
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return errNilValue
		}
	}
	return nil
}

func encodeValue(codec Codec, value any) ([]byte, error) {
	if err := checkValue(value); err != nil {
		return nil, err
	}
	raw, err := codec.Marshal(value)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(bytes.TrimSpace(raw), nullLiteral) {
		return nil, errNullEncoding
	}
	return raw, nil
}
