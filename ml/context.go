// context.go - Context und Tensor Interfaces fuer ML-Operationen
// Dieses Modul definiert die Schnittstellen fuer Tensor-Operationen und Compute-Kontexte.
package ml

// Context represents an execution context for tensor operations.
//
// A context created with Backend.NewTraceContext additionally records every
// operation whose result depends on an Input tensor. Operations on constants
// only are folded and never appear in the recorded graph.
type Context interface {
	// Input creates a graph input. Outside of tracing it behaves like FromFloats.
	Input(name string, s []float32, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor

	// Forward marks the given tensors as outputs of the recorded graph.
	Forward(...Tensor) Context

	// Graph returns the recorded graph or nil if the context is not tracing.
	Graph() *Graph

	// Err returns the first error raised by an operation in this context.
	// Operations after a failure are no-ops.
	Err() error

	Close()
}

// Tensor represents a multi-dimensional array with various operations.
// Shapes are row-major (outermost dimension first) like the checkpoints.
type Tensor interface {
	Name() string
	SetName(name string) Tensor
	Dim(n int) int
	Shape() []int
	Floats() []float32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor

	// Matmul multiplies the last two dimensions, leading dimensions are batches.
	Matmul(ctx Context, t2 Tensor) Tensor

	Scale(ctx Context, s float64) Tensor
	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor

	RELU(ctx Context) Tensor
	Sigmoid(ctx Context) Tensor
	Tanh(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor

	Slice(ctx Context, dim, low, high int) Tensor
	Chunk(ctx Context, dim int, size int) []Tensor
}
