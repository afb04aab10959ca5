package transport

import jsoniter "github.com/json-iterator/go"

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

func codecMarshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}
