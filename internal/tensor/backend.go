package tensor

// Backend is the contract shared by compute backends.
//
// Element-wise binary ops broadcast NumPy-style. Image ops use NCHW
// tensors with [out_channels, in_channels, kh, kw] kernels. All ops
// allocate their result; inputs are never modified.
type Backend interface {
	// Element-wise arithmetic with broadcasting.
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor
	Div(a, b *RawTensor) *RawTensor
	MulScalar(x *RawTensor, s float32) *RawTensor

	// MatMul multiplies two 2-D tensors.
	MatMul(a, b *RawTensor) *RawTensor

	// Shape manipulation.
	Reshape(x *RawTensor, shape Shape) *RawTensor
	Transpose(x *RawTensor, axes ...int) *RawTensor

	// SumDim reduces along one dimension.
	SumDim(x *RawTensor, dim int, keepDim bool) *RawTensor

	// Convolution and its gradients.
	Conv2D(input, kernel *RawTensor, stride, padding int) *RawTensor
	Conv2DInputBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor
	Conv2DKernelBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor

	// Max pooling and its gradient. maxIndices holds, for every output
	// element, the flat input index that won the window.
	MaxPool2D(input *RawTensor, kernelSize, stride int) *RawTensor
	MaxPool2DBackward(input, grad *RawTensor, maxIndices []int, kernelSize, stride int) *RawTensor

	// Metadata.
	Name() string
	Device() Device
}
