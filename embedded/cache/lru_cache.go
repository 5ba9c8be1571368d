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

package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

var ErrIllegalArguments = errors.New("illegal arguments")
var ErrKeyNotFound = errors.New("key not found")
var ErrIllegalState = errors.New("illegal state")

// LRUCache is a size bounded cache evicting the least recently used entry.
// It is safe for concurrent use.
type LRUCache[K comparable, V any] struct {
	data    map[K]*entry[V]
	lruList *list.List
	size    int

	mutex sync.Mutex
}

type entry[V any] struct {
	value V
	order *list.Element
}

func NewLRUCache[K comparable, V any](size int) (*LRUCache[K, V], error) {
	if size < 1 {
		return nil, ErrIllegalArguments
	}

	return &LRUCache[K, V]{
		data:    make(map[K]*entry[V], size),
		lruList: list.New(),
		size:    size,
	}, nil
}

func (c *LRUCache[K, V]) Resize(size int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for size < c.lruList.Len() {
		c.evict()
	}

	c.size = size
}

// Put adds or refreshes an entry. When the insertion exceeds the cache size
// the evicted pair is returned and evicted is true.
func (c *LRUCache[K, V]) Put(key K, value V) (rkey K, rvalue V, evicted bool, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, ok := c.data[key]
	if ok {
		e.value = value
		c.lruList.MoveToBack(e.order)
		return
	}

	e = &entry[V]{
		value: value,
		order: c.lruList.PushBack(key),
	}
	c.data[key] = e

	if c.lruList.Len() > c.size {
		rkey, rvalue, err = c.evict()
		return rkey, rvalue, err == nil, err
	}

	return
}

func (c *LRUCache[K, V]) evict() (rkey K, rvalue V, err error) {
	if c.lruList.Len() == 0 {
		return rkey, rvalue, fmt.Errorf("%w: evict requested in an empty cache", ErrIllegalState)
	}

	lruEntry := c.lruList.Front()
	rkey = lruEntry.Value.(K)

	re := c.data[rkey]
	rvalue = re.value

	delete(c.data, rkey)
	c.lruList.Remove(lruEntry)

	return rkey, rvalue, nil
}

func (c *LRUCache[K, V]) Get(key K) (V, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, ok := c.data[key]
	if !ok {
		var zero V
		return zero, ErrKeyNotFound
	}

	c.lruList.MoveToBack(e.order)

	return e.value, nil
}

func (c *LRUCache[K, V]) Pop(key K) (V, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, ok := c.data[key]
	if !ok {
		var zero V
		return zero, ErrKeyNotFound
	}

	c.lruList.Remove(e.order)
	delete(c.data, key)

	return e.value, nil
}

func (c *LRUCache[K, V]) Size() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.size
}

func (c *LRUCache[K, V]) EntriesCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.lruList.Len()
}

// Purge removes every entry, calling fun for each of them.
func (c *LRUCache[K, V]) Purge(fun func(k K, v V) error) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var firstErr error

	for k, e := range c.data {
		if fun != nil {
			if err := fun(k, e.value); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(c.data, k)
	}

	c.lruList.Init()

	return firstErr
}

func (c *LRUCache[K, V]) Apply(fun func(k K, v V) error) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for k, e := range c.data {
		err := fun(k, e.value)
		if err != nil {
			return err
		}
	}

	return nil
}
