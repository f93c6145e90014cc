// Package slicehelper has small generic slice utilities.
package slicehelper

// Extend grows in by n elements, reusing its capacity when possible.
// head is the whole grown slice and tail the n appended elements. The
// contents of tail are unspecified; callers that need zeroes must
// clear it.
func Extend[S ~[]E, E any](in S, n int) (head, tail S) {
	total := len(in) + n
	if total <= cap(in) {
		head = in[:total]
	} else {
		head = make(S, total)
		copy(head, in)
	}
	return head, head[len(in):]
}
