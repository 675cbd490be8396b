package classification

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/image-classification-service/models"
)

// ProcessingError reports which pipeline stage failed.
type ProcessingError struct {
	Stage string
	Cause error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
	}
	return e.Stage
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

type Options struct {
	TopK    int
	Softmax bool
}

// Classifier runs preprocess, inference and label decoding for one image.
// It holds no session; one is passed per call so callers can pool them.
type Classifier struct {
	preprocessor *Preprocessor
	labels       Labels
	opts         Options
}

func NewClassifier(p *Preprocessor, labels Labels, opts Options) (*Classifier, error) {
	if p == nil {
		return nil, errors.New("classifier needs a preprocessor")
	}
	if len(labels) == 0 {
		return nil, errors.New("classifier needs at least one label")
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	return &Classifier{preprocessor: p, labels: labels, opts: opts}, nil
}

func (c *Classifier) Preprocessor() *Preprocessor {
	return c.preprocessor
}

func (c *Classifier) Labels() Labels {
	return c.labels
}

// Classify returns the topK best labels for img. topK <= 0 uses the configured default.
// Inference failures are retried; preprocessing and decoding failures are not.
func (c *Classifier) Classify(ctx context.Context, img image.Image, session Session, topK int, timings *models.ProcessingTimings) ([]models.Prediction, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	if topK <= 0 {
		topK = c.opts.TopK
	}

	resizeStart := time.Now()
	resized, err := c.preprocessor.Resize(img)
	timings.Resize = time.Since(resizeStart)
	if err != nil {
		return nil, &ProcessingError{Stage: "resize", Cause: err}
	}

	prepStart := time.Now()
	input, err := c.preprocessor.Tensorize(resized)
	timings.Preprocess = time.Since(prepStart)
	if err != nil {
		return nil, &ProcessingError{Stage: "preprocess", Cause: err}
	}

	inferStart := time.Now()
	scores, err := infer(ctx, session, input)
	timings.Inference = time.Since(inferStart)
	if err != nil {
		return nil, err
	}

	postStart := time.Now()
	if c.opts.Softmax {
		Softmax(scores)
	}
	predictions, err := c.labels.Decode(scores, topK)
	timings.Postprocess = time.Since(postStart)
	if err != nil {
		return nil, &ProcessingError{Stage: "decode predictions", Cause: err}
	}

	return predictions, nil
}

func infer(ctx context.Context, session Session, input *Tensor) ([]float32, error) {
	var lastErr error

	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		scores, err := session.Infer(input)
		if err == nil {
			return scores, nil
		}
		lastErr = err

		if attempt < RetryAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * RetryDelayMs * time.Millisecond):
			}
		}
	}

	return nil, &ProcessingError{Stage: "inference", Cause: lastErr}
}
