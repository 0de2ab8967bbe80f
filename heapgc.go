// ABOUTME: Root heapgc package providing version information and package documentation
// ABOUTME: The collector itself lives in the collector package

// Package heapgc is an incremental, concurrent mark-sweep garbage collector
// core. A host runtime supplies the heap through graph.Heap and drives
// cycles through collector.Collector; the pacer sizes each work slice from
// heap pressure, allocation rate and observed pauses.
//
// Heap snapshots can be replayed through the collector with the heapdump
// package, which reads JSON fixtures and Go runtime heap dumps.
package heapgc

// Version is the semantic version of the heapgc module
const Version = "0.1.0-dev"
