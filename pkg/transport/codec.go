package transport

import (
	"encoding/json"
	"fmt"

	"gridstore/pkg/types"

	"google.golang.org/protobuf/types/known/structpb"
)

// Requests and responses travel as google.protobuf.Struct values built
// from their JSON form, so the wire shape follows the struct tags in
// pkg/types.

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, out any) error {
	if s == nil {
		return fmt.Errorf("empty payload")
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// EncodeRequest converts req to its wire form.
func EncodeRequest(req *types.Request) (*structpb.Struct, error) {
	s, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return s, nil
}

func DecodeRequest(s *structpb.Struct) (*types.Request, error) {
	var req types.Request
	if err := fromStruct(s, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

func EncodeResponse(resp *types.Response) (*structpb.Struct, error) {
	s, err := toStruct(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return s, nil
}

// DecodeResponse is the inverse of EncodeResponse.
func DecodeResponse(s *structpb.Struct) (*types.Response, error) {
	var resp types.Response
	if err := fromStruct(s, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
