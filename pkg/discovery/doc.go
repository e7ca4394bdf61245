// Package discovery ships the reference state.Discoverer
// implementations: an SSH prober that maps host and service facts into
// observed resources, and a static fixture discoverer for tests and
// offline drift detection. Probing internals are not part of the state
// store contract; anything satisfying state.Discoverer can replace
// these.
package discovery
