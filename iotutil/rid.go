package iotutil

import (
	"strconv"
	"sync/atomic"
)

// NewRIDGenerator creates new rid generator.
func NewRIDGenerator() *RIDGenerator {
	return new(RIDGenerator)
}

// RIDGenerator generates unique request ids for request-response
// exchanges over publish-subscribe transports.
type RIDGenerator struct {
	n atomic.Uint32
}

// Next returns a unique request id by incrementing numbers starting from 1.
func (r *RIDGenerator) Next() string {
	return strconv.FormatUint(uint64(r.n.Add(1)), 10)
}
