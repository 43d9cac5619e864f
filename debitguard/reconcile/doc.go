// Package reconcile matches observed bank amounts to batch or instruction
// totals.
//
// All comparisons are fixed-point with one absolute tolerance. When no single
// candidate matches, a bounded subset-sum search looks for the smallest set of
// candidates whose totals add up to the amount, which is how banks report
// several batches netted into one credit. The search is bounded in depth,
// candidate count and wall-clock time; a search that hits a bound never
// claims a unique answer it did not prove.
package reconcile
