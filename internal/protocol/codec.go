// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

package protocol

import "fmt"

// EncodeMessage renders one dictionary-described message into its wire
// payload (command id VLQ followed by its parameters, per spec §6),
// ready for EncodeFrame. args must match mf.Params in count and kind.
func EncodeMessage(id uint16, mf MessageFormat, args ...any) ([]byte, error) {
	if len(args) != len(mf.Params) {
		return nil, fmt.Errorf("protocol: %s: want %d params, got %d", mf.Name, len(mf.Params), len(args))
	}
	buf := EncodeVLQ(nil, uint32(id))
	for i, p := range mf.Params {
		var err error
		buf, err = encodeParam(buf, p, args[i])
		if err != nil {
			return nil, fmt.Errorf("protocol: %s.%s: %w", mf.Name, p.Name, err)
		}
	}
	max := mf.MaxSize()
	if MessageMin+len(buf) > max {
		return nil, fmt.Errorf("%w: %s payload %d bytes exceeds max_size %d", ErrMessageTooLarge, mf.Name, len(buf), max)
	}
	return buf, nil
}

func encodeParam(buf []byte, p Param, arg any) ([]byte, error) {
	switch p.Type {
	case KindU8:
		v, ok := toUint32(arg)
		if !ok || v > 0xff {
			return nil, fmt.Errorf("expected uint8, got %v", arg)
		}
		return EncodeVLQ(buf, v), nil
	case KindU16:
		v, ok := toUint32(arg)
		if !ok || v > 0xffff {
			return nil, fmt.Errorf("expected uint16, got %v", arg)
		}
		return EncodeVLQ(buf, v), nil
	case KindU32:
		v, ok := toUint32(arg)
		if !ok {
			return nil, fmt.Errorf("expected uint32, got %v", arg)
		}
		return EncodeVLQ(buf, v), nil
	case KindI16:
		v, ok := toInt32(arg)
		if !ok || v < -0x8000 || v > 0x7fff {
			return nil, fmt.Errorf("expected int16, got %v", arg)
		}
		return EncodeVLQSigned(buf, v), nil
	case KindI32:
		v, ok := toInt32(arg)
		if !ok {
			return nil, fmt.Errorf("expected int32, got %v", arg)
		}
		return EncodeVLQSigned(buf, v), nil
	case KindStaticString:
		v, ok := toUint32(arg)
		if !ok {
			return nil, fmt.Errorf("expected static string id, got %v", arg)
		}
		return EncodeVLQ(buf, v), nil
	case KindBuffer:
		b, ok := arg.([]byte)
		if !ok {
			return nil, fmt.Errorf("expected []byte, got %v", arg)
		}
		buf = EncodeVLQ(buf, uint32(len(b)))
		return append(buf, b...), nil
	default:
		return nil, fmt.Errorf("unhandled param kind %d", p.Type)
	}
}

// DecodeMessage consumes one command id and its parameters from payload
// using the dictionary, returning the message's name and decoded values
// in declaration order. ErrUnknownMessage is returned if the id is not in
// dict. The returned rest is whatever payload follows (a frame's payload
// may carry several back-to-back commands, per spec §6).
func DecodeMessage(dict *Dictionary, payload []byte) (name string, values []any, rest []byte, err error) {
	id, rest, err := DecodeVLQ(payload)
	if err != nil {
		return "", nil, nil, fmt.Errorf("protocol: decode command id: %w", err)
	}
	mf, ok := dict.Messages[uint16(id)]
	if !ok {
		return "", nil, nil, fmt.Errorf("%w: id %d", ErrUnknownMessage, id)
	}
	values = make([]any, len(mf.Params))
	for i, p := range mf.Params {
		var v any
		v, rest, err = decodeParam(rest, p)
		if err != nil {
			return "", nil, nil, fmt.Errorf("protocol: %s.%s: %w", mf.Name, p.Name, err)
		}
		values[i] = v
	}
	return mf.Name, values, rest, nil
}

func decodeParam(buf []byte, p Param) (any, []byte, error) {
	switch p.Type {
	case KindU8, KindU16, KindU32, KindStaticString:
		v, rest, err := DecodeVLQ(buf)
		return v, rest, err
	case KindI16, KindI32:
		v, rest, err := DecodeVLQSigned(buf)
		return v, rest, err
	case KindBuffer:
		n, rest, err := DecodeVLQ(buf)
		if err != nil {
			return nil, nil, err
		}
		if uint32(len(rest)) < n {
			return nil, nil, fmt.Errorf("truncated buffer: want %d bytes, have %d", n, len(rest))
		}
		return append([]byte(nil), rest[:n]...), rest[n:], nil
	default:
		return nil, nil, fmt.Errorf("unhandled param kind %d", p.Type)
	}
}

func toUint32(arg any) (uint32, bool) {
	switch v := arg.(type) {
	case uint8:
		return uint32(v), true
	case uint16:
		return uint32(v), true
	case uint32:
		return v, true
	case uint:
		return uint32(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint32(v), true
	}
	return 0, false
}

func toInt32(arg any) (int32, bool) {
	switch v := arg.(type) {
	case int8:
		return int32(v), true
	case int16:
		return int32(v), true
	case int32:
		return v, true
	case int:
		return int32(v), true
	}
	return 0, false
}

// NewQueueStepEncoder returns an encoder matching stepcompress.EncodeFunc's
// signature, bound to the queue_step message id and shape found in dict
// under the given name (the dictionary assigns the id; the name is fixed
// by the firmware's command table convention, typically "queue_step").
func NewQueueStepEncoder(dict *Dictionary, name string) (func(oid uint8, interval uint32, count uint16, add int16) ([]byte, error), error) {
	id, mf, ok := dict.LookupByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: dictionary has no %q message", ErrUnknownMessage, name)
	}
	return func(oid uint8, interval uint32, count uint16, add int16) ([]byte, error) {
		return EncodeMessage(id, mf, oid, interval, count, add)
	}, nil
}
