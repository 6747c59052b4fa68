package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/go-selfdistill/tensor"
)

// batchNormLayer normalizes [N, C] or [N, C, H, W] inputs per channel.
type batchNormLayer struct {
	spec        LayerSpec
	numFeatures int
	eps         float32
	momentum    float32
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor

	gammaGrad *tensor.Tensor
	betaGrad  *tensor.Tensor
	// normalized input and 1/σ per channel of the last training-mode Forward.
	xhat   *tensor.Tensor
	invStd []float64
}

func newBatchNorm(spec LayerSpec) (*batchNormLayer, error) {
	if err := requirePositive(spec, "num_features"); err != nil {
		return nil, err
	}
	n := getIntParam(spec.Parameters, "num_features", 0)
	bn := &batchNormLayer{
		spec:        spec,
		numFeatures: n,
		eps:         getFloatParam(spec.Parameters, "eps", 1e-5),
		momentum:    getFloatParam(spec.Parameters, "momentum", 0.1),
	}
	if bn.momentum < 0 || bn.momentum > 1 {
		return nil, fmt.Errorf("%w: batchnorm %q momentum %f outside [0, 1]", ErrInvalidLayer, spec.Name, bn.momentum)
	}

	var err error
	if bn.runningMean, err = tensor.Zeros([]int{n}, tensor.Float32, tensor.CPU); err != nil {
		return nil, err
	}
	if bn.runningVar, err = tensor.Ones([]int{n}, tensor.Float32, tensor.CPU); err != nil {
		return nil, err
	}
	if getBoolParam(spec.Parameters, "affine", true) {
		if bn.gamma, err = tensor.Ones([]int{n}, tensor.Float32, tensor.CPU); err != nil {
			return nil, err
		}
		if bn.beta, err = tensor.Zeros([]int{n}, tensor.Float32, tensor.CPU); err != nil {
			return nil, err
		}
		if bn.gammaGrad, err = tensor.Zeros([]int{n}, tensor.Float32, tensor.CPU); err != nil {
			return nil, err
		}
		if bn.betaGrad, err = tensor.Zeros([]int{n}, tensor.Float32, tensor.CPU); err != nil {
			return nil, err
		}
	}
	return bn, nil
}

func (bn *batchNormLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if (len(x.Shape) != 2 && len(x.Shape) != 4) || x.Shape[1] != bn.numFeatures {
		return nil, fmt.Errorf("batchnorm %q expects [N, %d] or [N, %d, H, W], got %v",
			bn.spec.Name, bn.numFeatures, bn.numFeatures, x.Shape)
	}

	n, c := x.Shape[0], x.Shape[1]
	spatial := 1
	if len(x.Shape) == 4 {
		spatial = x.Shape[2] * x.Shape[3]
	}
	count := n * spatial
	in := x.Data.([]float32)

	mean := make([]float64, c)
	variance := make([]float64, c)
	if training {
		if count < 2 {
			return nil, fmt.Errorf("batchnorm %q: expected more than 1 value per channel when training, got input %v",
				bn.spec.Name, x.Shape)
		}
		for b := 0; b < n; b++ {
			for ch := 0; ch < c; ch++ {
				for _, v := range in[(b*c+ch)*spatial : (b*c+ch+1)*spatial] {
					mean[ch] += float64(v)
				}
			}
		}
		for ch := range mean {
			mean[ch] /= float64(count)
		}
		for b := 0; b < n; b++ {
			for ch := 0; ch < c; ch++ {
				for _, v := range in[(b*c+ch)*spatial : (b*c+ch+1)*spatial] {
					d := float64(v) - mean[ch]
					variance[ch] += d * d
				}
			}
		}

		rm := bn.runningMean.Data.([]float32)
		rv := bn.runningVar.Data.([]float32)
		m := float64(bn.momentum)
		for ch := range variance {
			unbiased := variance[ch] / float64(count-1)
			variance[ch] /= float64(count)
			rm[ch] = float32((1-m)*float64(rm[ch]) + m*mean[ch])
			rv[ch] = float32((1-m)*float64(rv[ch]) + m*unbiased)
		}
	} else {
		for ch, v := range bn.runningMean.Data.([]float32) {
			mean[ch] = float64(v)
		}
		for ch, v := range bn.runningVar.Data.([]float32) {
			variance[ch] = float64(v)
		}
	}

	result, err := tensor.Zeros(x.Shape, tensor.Float32, x.Device)
	if err != nil {
		return nil, err
	}
	bn.xhat, bn.invStd = nil, nil
	var xhat []float32
	if training {
		if bn.xhat, err = tensor.Zeros(x.Shape, tensor.Float32, x.Device); err != nil {
			return nil, err
		}
		xhat = bn.xhat.Data.([]float32)
		bn.invStd = make([]float64, c)
	}
	out := result.Data.([]float32)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			inv := 1.0 / math.Sqrt(variance[ch]+float64(bn.eps))
			scale, shift := inv, 0.0
			if bn.gamma != nil {
				scale *= float64(bn.gamma.Data.([]float32)[ch])
				shift = float64(bn.beta.Data.([]float32)[ch])
			}
			off := (b*c + ch) * spatial
			for i, v := range in[off : off+spatial] {
				out[off+i] = float32((float64(v)-mean[ch])*scale + shift)
				if xhat != nil {
					xhat[off+i] = float32((float64(v) - mean[ch]) * inv)
				}
			}
			if bn.invStd != nil {
				bn.invStd[ch] = inv
			}
		}
	}
	return result, nil
}

// Backward differentiates through the batch statistics of the last
// training-mode Forward:
//
//	dx = γ/σ · (g - mean(g) - x̂·mean(g·x̂))
func (bn *batchNormLayer) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, fmt.Errorf("batchnorm %q: %w", bn.spec.Name, ErrNoForwardCache)
	}
	if !sameShape(grad.Shape, bn.xhat.Shape) {
		return nil, fmt.Errorf("batchnorm %q: gradient %v does not match output %v", bn.spec.Name, grad.Shape, bn.xhat.Shape)
	}
	n, c := grad.Shape[0], grad.Shape[1]
	spatial := grad.NumElems / (n * c)
	count := float64(n * spatial)
	g, xhat := grad.Data.([]float32), bn.xhat.Data.([]float32)

	sumG := make([]float64, c)
	sumGX := make([]float64, c)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			off := (b*c + ch) * spatial
			for i := off; i < off+spatial; i++ {
				sumG[ch] += float64(g[i])
				sumGX[ch] += float64(g[i]) * float64(xhat[i])
			}
		}
	}
	if bn.gamma != nil {
		dGamma, dBeta := bn.gammaGrad.Data.([]float32), bn.betaGrad.Data.([]float32)
		for ch := 0; ch < c; ch++ {
			dGamma[ch] += float32(sumGX[ch])
			dBeta[ch] += float32(sumG[ch])
		}
	}

	result, err := tensor.Zeros(grad.Shape, tensor.Float32, grad.Device)
	if err != nil {
		return nil, err
	}
	dx := result.Data.([]float32)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			k := bn.invStd[ch]
			if bn.gamma != nil {
				k *= float64(bn.gamma.Data.([]float32)[ch])
			}
			meanG, meanGX := sumG[ch]/count, sumGX[ch]/count
			off := (b*c + ch) * spatial
			for i := off; i < off+spatial; i++ {
				dx[i] = float32(k * (float64(g[i]) - meanG - float64(xhat[i])*meanGX))
			}
		}
	}
	return result, nil
}

func (bn *batchNormLayer) Spec() LayerSpec {
	return withParameterInfo(bn.spec, bn.Parameters())
}

func (bn *batchNormLayer) Parameters() []*Parameter {
	var params []*Parameter
	if bn.gamma != nil {
		params = append(params,
			&Parameter{Name: "weight", Kind: "gamma", Value: bn.gamma, Trainable: true, Grad: bn.gammaGrad},
			&Parameter{Name: "bias", Kind: "beta", Value: bn.beta, Trainable: true, Grad: bn.betaGrad})
	}
	return append(params,
		&Parameter{Name: "running_mean", Kind: "running_mean", Value: bn.runningMean},
		&Parameter{Name: "running_var", Kind: "running_var", Value: bn.runningVar})
}

// FillScale sets every γ of an affine batch normalization module to value.
// Zeroing the last γ of a residual branch makes the block start as identity.
func FillScale(m Module, value float32) error {
	bn, ok := m.(*batchNormLayer)
	if !ok {
		return fmt.Errorf("%w: %s is not a batch normalization layer", ErrInvalidLayer, m.Spec().Name)
	}
	if bn.gamma == nil {
		return fmt.Errorf("%w: batchnorm %q is not affine", ErrInvalidLayer, bn.spec.Name)
	}
	for i := range bn.gamma.Data.([]float32) {
		bn.gamma.Data.([]float32)[i] = value
	}
	return nil
}
