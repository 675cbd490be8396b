package classification

const (
	InputWidth    = 224
	InputHeight   = 224
	InputChannels = 3
	DefaultTopK   = 5
	RetryAttempts = 3
	RetryDelayMs  = 100
)

// ImageNet channel statistics for the caffe and torch modes.
var (
	caffeMeanBGR = [3]float32{103.939, 116.779, 123.68}
	torchMeanRGB = [3]float32{0.485, 0.456, 0.406}
	torchStdRGB  = [3]float32{0.229, 0.224, 0.225}
)
