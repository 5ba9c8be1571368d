/*
Copyright 2022 Codenotary Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	metaMaxCount       = "$maxCount"
	metaMaxAge         = "$maxAge"
	metaTruncateBefore = "$tb"
	metaCacheControl   = "$cacheControl"
	metaACL            = "$acl"

	aclRead       = "$r"
	aclWrite      = "$w"
	aclDelete     = "$d"
	aclMetaRead   = "$mr"
	aclMetaWrite  = "$mw"
	metastreamMax = 1
)

var ErrInvalidMetadata = fmt.Errorf("%w: invalid stream metadata", ErrIllegalArguments)

// StreamACL lists the roles allowed per operation. Enforcement belongs to
// the security layer; the store only persists it.
type StreamACL struct {
	Read      []string
	Write     []string
	Delete    []string
	MetaRead  []string
	MetaWrite []string
}

// StreamMetadata is stored as a JSON event in the metastream of a stream.
// Unset limits are nil.
type StreamMetadata struct {
	MaxCount       *int64
	MaxAge         *time.Duration
	TruncateBefore *int64
	CacheControl   *time.Duration
	ACL            *StreamACL

	// Custom holds the keys not interpreted by the store
	Custom map[string]json.RawMessage
}

func (m *StreamMetadata) WithMaxCount(maxCount int64) *StreamMetadata {
	m.MaxCount = &maxCount
	return m
}

func (m *StreamMetadata) WithMaxAge(maxAge time.Duration) *StreamMetadata {
	m.MaxAge = &maxAge
	return m
}

func (m *StreamMetadata) WithTruncateBefore(tb int64) *StreamMetadata {
	m.TruncateBefore = &tb
	return m
}

func (m *StreamMetadata) WithCacheControl(cacheControl time.Duration) *StreamMetadata {
	m.CacheControl = &cacheControl
	return m
}

func (m *StreamMetadata) WithACL(acl *StreamACL) *StreamMetadata {
	m.ACL = acl
	return m
}

func (m *StreamMetadata) Validate() error {
	if m.MaxCount != nil && *m.MaxCount <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidMetadata, metaMaxCount)
	}

	if m.MaxAge != nil && *m.MaxAge < time.Second {
		return fmt.Errorf("%w: %s must be at least one second", ErrInvalidMetadata, metaMaxAge)
	}

	if m.TruncateBefore != nil && *m.TruncateBefore < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidMetadata, metaTruncateBefore)
	}

	if m.CacheControl != nil && *m.CacheControl < time.Second {
		return fmt.Errorf("%w: %s must be at least one second", ErrInvalidMetadata, metaCacheControl)
	}

	return nil
}

func (m *StreamMetadata) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(m.Custom)+5)

	for k, v := range m.Custom {
		obj[k] = v
	}

	if m.MaxCount != nil {
		obj[metaMaxCount] = *m.MaxCount
	}

	if m.MaxAge != nil {
		obj[metaMaxAge] = int64(m.MaxAge.Seconds())
	}

	if m.TruncateBefore != nil {
		obj[metaTruncateBefore] = *m.TruncateBefore
	}

	if m.CacheControl != nil {
		obj[metaCacheControl] = int64(m.CacheControl.Seconds())
	}

	if m.ACL != nil {
		acl := make(map[string][]string)

		put := func(key string, roles []string) {
			if roles != nil {
				acl[key] = roles
			}
		}

		put(aclRead, m.ACL.Read)
		put(aclWrite, m.ACL.Write)
		put(aclDelete, m.ACL.Delete)
		put(aclMetaRead, m.ACL.MetaRead)
		put(aclMetaWrite, m.ACL.MetaWrite)

		obj[metaACL] = acl
	}

	return json.Marshal(obj)
}

func (m *StreamMetadata) UnmarshalJSON(b []byte) error {
	var obj map[string]json.RawMessage

	err := json.Unmarshal(b, &obj)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	*m = StreamMetadata{}

	readInt := func(key string) (*int64, error) {
		raw, ok := obj[key]
		if !ok {
			return nil, nil
		}
		delete(obj, key)

		var v int64

		err := json.Unmarshal(raw, &v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, key, err)
		}

		return &v, nil
	}

	readSeconds := func(key string) (*time.Duration, error) {
		v, err := readInt(key)
		if v == nil || err != nil {
			return nil, err
		}

		d := time.Duration(*v) * time.Second

		return &d, nil
	}

	if m.MaxCount, err = readInt(metaMaxCount); err != nil {
		return err
	}

	if m.MaxAge, err = readSeconds(metaMaxAge); err != nil {
		return err
	}

	if m.TruncateBefore, err = readInt(metaTruncateBefore); err != nil {
		return err
	}

	if m.CacheControl, err = readSeconds(metaCacheControl); err != nil {
		return err
	}

	if raw, ok := obj[metaACL]; ok {
		delete(obj, metaACL)

		m.ACL, err = parseACL(raw)
		if err != nil {
			return err
		}
	}

	if len(obj) > 0 {
		m.Custom = obj
	}

	return nil
}

func parseACL(raw json.RawMessage) (*StreamACL, error) {
	var obj map[string]json.RawMessage

	err := json.Unmarshal(raw, &obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMetadata, metaACL, err)
	}

	// roles are either a single string or an array of strings
	roles := func(key string) ([]string, error) {
		raw, ok := obj[key]
		if !ok {
			return nil, nil
		}

		var single string
		if json.Unmarshal(raw, &single) == nil {
			return []string{single}, nil
		}

		var many []string

		err := json.Unmarshal(raw, &many)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidMetadata, metaACL, key, err)
		}

		return many, nil
	}

	acl := &StreamACL{}

	for key, dst := range map[string]*[]string{
		aclRead:      &acl.Read,
		aclWrite:     &acl.Write,
		aclDelete:    &acl.Delete,
		aclMetaRead:  &acl.MetaRead,
		aclMetaWrite: &acl.MetaWrite,
	} {
		*dst, err = roles(key)
		if err != nil {
			return nil, err
		}
	}

	return acl, nil
}

// ParseStreamMetadata decodes the data of a metadata event.
func ParseStreamMetadata(data []byte) (*StreamMetadata, error) {
	m := &StreamMetadata{}

	err := json.Unmarshal(data, m)
	if err != nil && !errors.Is(err, ErrInvalidMetadata) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err != nil {
		return nil, err
	}

	return m, nil
}

// metastreamMetadata applies to every metastream: only the latest metadata
// event is visible.
func metastreamMetadata() *StreamMetadata {
	return (&StreamMetadata{}).WithMaxCount(metastreamMax)
}
