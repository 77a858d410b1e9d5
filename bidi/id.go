/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package bidi

import "sync/atomic"

// DefaultIDOffset is the first command ID handed out by a new connection.
// Starting away from zero keeps our IDs clear of values a peer might pick.
const DefaultIDOffset int64 = 1000

// IDGenerator hands out strictly increasing command IDs.
type IDGenerator struct {
	next int64
}

// NewIDGenerator returns a generator whose first ID is start.
func NewIDGenerator(start int64) *IDGenerator {
	return &IDGenerator{next: start - 1}
}

// Next returns the next ID. It is safe for concurrent use.
func (g *IDGenerator) Next() int64 {
	return atomic.AddInt64(&g.next, 1)
}
