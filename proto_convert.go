package aidledger

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts a JSON-encodable value to a protobuf Struct. Field
// names follow the JSON tags, so both wire formats carry the same keys.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := s.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("convert to struct: %w", err)
	}
	return s, nil
}

// fromStruct decodes a protobuf Struct into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// ToProtoCommitment converts a Commitment to a protobuf Struct.
func ToProtoCommitment(c Commitment) (*structpb.Struct, error) {
	return toStruct(c)
}

// FromProtoCommitment converts a protobuf Struct to a Commitment.
func FromProtoCommitment(s *structpb.Struct) (Commitment, error) {
	var c Commitment
	if err := fromStruct(s, &c); err != nil {
		return Commitment{}, fmt.Errorf("decode commitment: %w", err)
	}
	return c, nil
}

// ToProtoUpdate converts a CommitmentUpdate to a protobuf Struct.
func ToProtoUpdate(u CommitmentUpdate) (*structpb.Struct, error) {
	return toStruct(u)
}

// FromProtoUpdate converts a protobuf Struct to a CommitmentUpdate.
func FromProtoUpdate(s *structpb.Struct) (CommitmentUpdate, error) {
	var u CommitmentUpdate
	if err := fromStruct(s, &u); err != nil {
		return CommitmentUpdate{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}
