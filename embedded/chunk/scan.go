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

package chunk

import (
	"fmt"
	"os"
)

// Scan reads the chunk file at path without opening it for writes. A
// completed chunk is checked against its footer hash and scanned up to its
// data size, an active one up to activeDataSize. fn, when given, receives
// every record with its local position.
func Scan(path string, activeDataSize int64, fn func(localPos int64, record []byte) error) (*Header, *Footer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	c, err := open(path, f, DefaultOptions(), true)
	if err != nil {
		return nil, nil, err
	}

	if c.footer == nil {
		if activeDataSize < 0 || activeDataSize > int64(c.header.ChunkSize) {
			return c.header, nil, fmt.Errorf("%w: data size %d outside of '%s'", ErrIllegalArguments, activeDataSize, path)
		}

		c.dataSize = activeDataSize
		c.fileDataEnd = activeDataSize
	}

	var pos int64

	for pos < c.dataSize {
		next, err := c.frameEnd(pos, c.dataSize)
		if err != nil {
			return c.header, c.footer, err
		}

		if fn != nil {
			record := make([]byte, next-pos-frameOverhead)

			_, err = c.readAt(record, pos+4)
			if err != nil {
				return c.header, c.footer, err
			}

			err = fn(pos, record)
			if err != nil {
				return c.header, c.footer, err
			}
		}

		pos = next
	}

	return c.header, c.footer, nil
}
