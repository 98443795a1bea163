// Package distance provides pairwise vector scoring functions shared by the
// indexes and the query pipeline.
//
// The hot functions perform no length validation; the store guarantees equal
// lengths before invocation. All similarity functions order "higher is
// better", including euclidean, which is reported as 1/(1+d).
package distance
