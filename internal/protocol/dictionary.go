// SPDX-License-Identifier: GPL-3.0
// Copyright 2026 The klippyhost Authors

package protocol

import (
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// StaticStringMin is the first id reserved for the static-string table;
// ids below it address the message/parameter space (spec §4.E/§6).
const StaticStringMin = 0x10000

// Dictionary is the decoded form of the zlib-compressed JSON blob the MCU
// serves at connect time (spec §6): every message's wire id and
// parameter shape, the command/response classification, the
// static-string table, and build-time constants.
type Dictionary struct {
	Version       string
	BuildVersions string
	Messages      map[uint16]MessageFormat
	Commands      []uint16
	Responses     []uint16
	StaticStrings map[uint32]string
	Config        map[string]json.RawMessage
}

// rawDictionary mirrors the JSON shape of spec §6's data dictionary
// before format strings are parsed into MessageFormat values.
type rawDictionary struct {
	Version       string                     `json:"version"`
	BuildVersions string                     `json:"build_versions"`
	Messages      map[string]string          `json:"messages"`
	Commands      []uint16                   `json:"commands"`
	Responses     []uint16                   `json:"responses"`
	StaticStrings map[string]string          `json:"static_strings"`
	Config        map[string]json.RawMessage `json:"config"`
}

// LoadDictionary decompresses and decodes the data dictionary from r
// (plain stdlib compress/zlib + encoding/json, per spec §4.E).
func LoadDictionary(r io.Reader) (*Dictionary, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("protocol: zlib: %w", err)
	}
	defer zr.Close()

	var raw rawDictionary
	if err := json.NewDecoder(zr).Decode(&raw); err != nil {
		return nil, fmt.Errorf("protocol: dictionary json: %w", err)
	}

	d := &Dictionary{
		Version:       raw.Version,
		BuildVersions: raw.BuildVersions,
		Messages:      make(map[uint16]MessageFormat, len(raw.Messages)),
		Commands:      raw.Commands,
		Responses:     raw.Responses,
		StaticStrings: make(map[uint32]string, len(raw.StaticStrings)),
		Config:        raw.Config,
	}
	for idStr, format := range raw.Messages {
		id, err := strconv.ParseUint(idStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("protocol: dictionary: bad message id %q: %w", idStr, err)
		}
		mf, err := parseMessageFormat(format)
		if err != nil {
			return nil, fmt.Errorf("protocol: dictionary: message %s: %w", idStr, err)
		}
		d.Messages[uint16(id)] = mf
	}
	for idStr, s := range raw.StaticStrings {
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("protocol: dictionary: bad static string id %q: %w", idStr, err)
		}
		d.StaticStrings[uint32(id)] = s
	}
	return d, nil
}

// LookupByName finds a message's id and format by its leading name token
// (e.g. "queue_step"), since the dictionary is keyed by id but callers
// address messages by name.
func (d *Dictionary) LookupByName(name string) (uint16, MessageFormat, bool) {
	for id, mf := range d.Messages {
		if mf.Name == name {
			return id, mf, true
		}
	}
	return 0, MessageFormat{}, false
}

// MaxSize returns max_size = min(MESSAGE_MAX, MESSAGE_MIN+1+sum(param_max_len))
// for one message format, per spec §4.E's size rule.
func (mf MessageFormat) MaxSize() int {
	total := MessageMin + 1
	for _, p := range mf.Params {
		total += p.Type.maxLen()
	}
	if total > MessageMax {
		return MessageMax
	}
	return total
}
