// Package opencv registers a gocv capture backend when built with the
// opencv build tag. Without the tag importing it has no effect.
package opencv
