package artifacts

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

type envelope struct {
	Value any
}

func init() {
	Register(map[string]any{})
	Register([]any{})
	Register(map[string]string{})
	Register(map[string]int{})
	Register(map[string]float64{})
	Register([][]float64{})
}

// Register makes a concrete output type encodable. Steps returning custom
// structs must register them at process start.
func Register(value any) {
	gob.Register(value)
}

// Encode serializes an output value so that Decode returns the same concrete
// type.
func Encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Value: value}); err != nil {
		return nil, fmt.Errorf("encode output %T: %w", value, err)
	}
	return buf.Bytes(), nil
}

func Decode(data []byte) (any, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return env.Value, nil
}
