package stylizer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// The generator is a fixed encoder/decoder pair with a w+ latent space:
// the encoder maps a face to NumStyleLayers latent codes, the decoder
// renders them back starting from a learned 4x4 seed. A frozen critic head
// ships with the base bundle for the adversarial term. Architecture and
// weights come from the pretrained base bundle; fine-tuning only updates
// the decoder.

var (
	encoderChannels = []int{32, 64, 128, 256, 512, 512}
	decoderChannels = []int{512, 512, 256, 128, 64, 32}
	criticChannels  = []int{64, 128, 256, 512}

	// contentBlock is the encoder block whose output feeds the
	// content/style losses.
	contentBlock = 2
)

// normalizeInput maps [0, 1] image tensors to the [-1, 1] range the
// generator was trained on.
func normalizeInput(x *Node) *Node {
	return AddScalar(MulScalar(x, 2), -1)
}

// denormalizeOutput maps generator output back to [0, 1].
func denormalizeOutput(x *Node) *Node {
	return MulScalar(AddScalar(x, 1), 0.5)
}

// encoderGraph maps a [batch, size, size, 3] image in [-1, 1] to the w+
// latent codes, shaped [batch, NumStyleLayers, LatentDim]. It also returns
// the intermediate feature map used by the perception losses.
func encoderGraph(ctx *context.Context, x *Node) (latents, features *Node) {
	ctx = ctx.In("encoder")
	batchSize := x.Shape().Dimensions[0]
	for blockIdx, channels := range encoderChannels {
		blockCtx := ctx.Inf("block_%02d", blockIdx)
		x = layers.Convolution(blockCtx, x).Channels(channels).KernelSize(3).Strides(2).PadSame().Done()
		x = activations.LeakyReluWith(x, 0.2)
		if blockIdx == contentBlock {
			features = x
		}
	}
	x = Reshape(x, batchSize, -1)
	latents = fnn.New(ctx.In("to_latents"), x, NumStyleLayers*LatentDim).NumHiddenLayers(0, 0).Done()
	latents = Reshape(latents, batchSize, NumStyleLayers, LatentDim)
	return
}

// blendLatents applies the swap-layer blending: at each swap layer the
// latent code is pulled towards the average latent of the base model with
// strength (1 - alpha). Other layers pass through unchanged.
func blendLatents(ctx *context.Context, latents *Node, opts Options) *Node {
	g := latents.Graph()
	batchSize := latents.Shape().Dimensions[0]

	wAvgVar := ctx.In("latent").
		VariableWithShape("w_avg", shapes.Make(dtypes.Float32, NumStyleLayers, LatentDim))
	wAvg := wAvgVar.ValueGraph(g)

	swap := make(map[int]bool, len(opts.ModelOptions.SwapLayers))
	for _, layer := range opts.ModelOptions.SwapLayers {
		swap[layer] = true
	}

	alpha := opts.ModelOptions.Alpha
	perLayer := make([]*Node, NumStyleLayers)
	for layer := 0; layer < NumStyleLayers; layer++ {
		w := Squeeze(Slice(latents, AxisRange(), AxisElem(layer), AxisRange()), 1)
		if swap[layer] {
			avg := Slice(wAvg, AxisElem(layer), AxisRange())
			avg = BroadcastToDims(avg, batchSize, LatentDim)
			w = Add(MulScalar(w, alpha), MulScalar(avg, 1-alpha))
		}
		perLayer[layer] = w
	}
	return Stack(perLayer, 1)
}

// decoderGraph renders the latent codes into a [batch, size, size, 3]
// image in [-1, 1]. Each resolution level doubles the spatial size and runs
// two style blocks, taking the 4x4 seed up to the model input size.
func decoderGraph(ctx *context.Context, latents *Node) *Node {
	ctx = ctx.In("decoder")
	g := latents.Graph()
	batchSize := latents.Shape().Dimensions[0]

	seedVar := ctx.VariableWithShape("seed", shapes.Make(dtypes.Float32, 4, 4, decoderChannels[0]))
	x := InsertAxes(seedVar.ValueGraph(g), 0)
	x = BroadcastToDims(x, batchSize, 4, 4, decoderChannels[0])

	layerIdx := 0
	for levelIdx, channels := range decoderChannels {
		levelCtx := ctx.Inf("level_%02d", levelIdx)
		dims := x.Shape().Dimensions
		x = Interpolate(x, NoInterpolation, dims[1]*2, dims[2]*2, NoInterpolation).Done()
		for repeat := 0; repeat < 2; repeat++ {
			w := Squeeze(Slice(latents, AxisRange(), AxisElem(layerIdx), AxisRange()), 1)
			x = styleBlock(levelCtx.Inf("style_%02d", repeat), x, w, channels)
			layerIdx++
		}
	}

	x = layers.Convolution(ctx.In("to_rgb"), x).Channels(3).KernelSize(3).PadSame().Done()
	return Tanh(x)
}

// styleBlock is a modulated convolution: the latent code scales and shifts
// the convolution output per channel.
func styleBlock(ctx *context.Context, x, w *Node, channels int) *Node {
	x = layers.Convolution(ctx.In("conv"), x).Channels(channels).KernelSize(3).PadSame().Done()

	scale := fnn.New(ctx.In("scale"), w, channels).NumHiddenLayers(0, 0).Done()
	shift := fnn.New(ctx.In("shift"), w, channels).NumHiddenLayers(0, 0).Done()
	scale = InsertAxes(scale, 1, 1)
	shift = InsertAxes(shift, 1, 1)

	x = Add(Mul(x, AddScalar(scale, 1)), shift)
	return activations.LeakyReluWith(x, 0.2)
}

// criticGraph is the frozen patch critic head: a map of realness scores
// over image patches, shaped [batch, patches, patches, 1].
func criticGraph(ctx *context.Context, x *Node) *Node {
	ctx = ctx.In("critic")
	for blockIdx, channels := range criticChannels {
		blockCtx := ctx.Inf("block_%02d", blockIdx)
		x = layers.Convolution(blockCtx, x).Channels(channels).KernelSize(3).Strides(2).PadSame().Done()
		x = activations.LeakyReluWith(x, 0.2)
	}
	return layers.Convolution(ctx.In("scores"), x).Channels(1).KernelSize(3).PadSame().Done()
}

// generatorGraph runs the full encode → blend → decode pipeline on an
// input image batch in [0, 1] and returns the stylized batch in [0, 1].
func generatorGraph(ctx *context.Context, input *Node, opts Options) *Node {
	x := normalizeInput(input)
	latents, _ := encoderGraph(ctx, x)
	latents = blendLatents(ctx, latents, opts)
	styled := decoderGraph(ctx, latents)
	return denormalizeOutput(styled)
}

// trainingModelFn returns the train.ModelFn used by Create. Following the
// convention of returning the scalar loss as the second prediction, so the
// trainer's loss function just picks it up.
func trainingModelFn(opts Options) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		// The generator variables usually exist already, loaded from the
		// base checkpoint, and fineTuningLoss runs the encoder and critic
		// again on the styled output, so the uniqueness check must be off.
		ctx = ctx.In("model").Checked(false)
		input := inputs[0]

		styled := generatorGraph(ctx, input, opts)
		loss := fineTuningLoss(ctx, styled, input, opts)
		return []*Node{styled, loss}
	}
}

// fineTuningLoss combines the reconstruction, perception and adversarial
// terms into a single scalar.
func fineTuningLoss(ctx *context.Context, styled, target *Node, opts Options) *Node {
	perception := opts.ModelOptions.Perception

	// Pixel reconstruction.
	loss := MulScalar(ReduceAllMean(Abs(Sub(styled, target))), perception.L1)

	// Content and style terms share the frozen encoder features. The
	// target branch carries no gradient.
	_, styledFeats := encoderGraph(ctx, normalizeInput(styled))
	_, targetFeats := encoderGraph(ctx, normalizeInput(target))
	targetFeats = StopGradient(targetFeats)

	if perception.Content > 0 {
		content := ReduceAllMean(Square(Sub(styledFeats, targetFeats)))
		loss = Add(loss, MulScalar(content, perception.Content))
	}
	if perception.Style > 0 {
		style := ReduceAllMean(Abs(Sub(gramMatrix(styledFeats), gramMatrix(targetFeats))))
		loss = Add(loss, MulScalar(style, perception.Style))
	}

	// Least-squares adversarial term against the frozen critic.
	if opts.ModelOptions.AdvLossWeight > 0 {
		scores := criticGraph(ctx, normalizeInput(styled))
		adv := ReduceAllMean(Square(Sub(scores, OnesLike(scores))))
		loss = Add(loss, MulScalar(adv, opts.ModelOptions.AdvLossWeight))
	}
	return loss
}

// gramMatrix computes per-example channel correlation of a feature map
// shaped [batch, height, width, channels], normalized by the number of
// spatial positions.
func gramMatrix(features *Node) *Node {
	dims := features.Shape().Dimensions
	batchSize, positions, channels := dims[0], dims[1]*dims[2], dims[3]
	flat := Reshape(features, batchSize, positions, channels)
	gram := Einsum("bpc,bpd->bcd", flat, flat)
	return MulScalar(gram, 1/float64(positions))
}
