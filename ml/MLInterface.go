package ml

import (
	torch "github.com/wangkuiyi/gotorch"
)

// Network is a differentiable image network with trainable parameters:
// generators map an image batch to an image batch of the same shape,
// discriminators map it to a patch realism map.
type Network interface {
	Forward(x torch.Tensor) torch.Tensor
	Parameters() []torch.Tensor
	// Weights returns the name -> tensor mapping persisted in checkpoints.
	Weights() map[string]torch.Tensor
	// LoadWeights replaces the parameters with states. Every name the
	// network owns must be present with the same shape.
	LoadWeights(states map[string]torch.Tensor) error
	SetTraining(on bool)
	MoveTo(device torch.Device)
}

// Optimizer is the part of torch.Optimizer the training protocol drives.
type Optimizer interface {
	ZeroGrad()
	Step()
}
