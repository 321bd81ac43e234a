package memory

import "errors"

// ErrNotFound indicates a node id that does not exist in the graph.
var ErrNotFound = errors.New("memory node not found")

// ErrSelfLoop indicates an attempt to relate a node to itself.
var ErrSelfLoop = errors.New("self-referential relationship not allowed")

// ErrInvalidLabel indicates an edge label outside the defined set.
var ErrInvalidLabel = errors.New("invalid relationship label")

// ErrInvalidContextType indicates a context type outside the defined
// set.
var ErrInvalidContextType = errors.New("invalid context type")

// ErrEmptyContent indicates a store call with no usable content.
var ErrEmptyContent = errors.New("content must not be empty")
