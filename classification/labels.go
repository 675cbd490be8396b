package classification

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/Tutortoise/image-classification-service/models"
	jsoniter "github.com/json-iterator/go"
)

type Label struct {
	ID   string
	Name string
}

// Labels maps model output positions to class names.
type Labels []Label

// LoadLabels reads either a Keras class index ({"0": ["n01440764", "tench"], ...})
// or a text file with one label per line.
func LoadLabels(path string) (Labels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	return ParseLabels(data)
}

func ParseLabels(data []byte) (Labels, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("labels file is empty")
	}
	if trimmed[0] == '{' {
		return parseClassIndex(trimmed)
	}
	return parseLabelLines(trimmed)
}

func parseClassIndex(data []byte) (Labels, error) {
	var index map[string][]string
	if err := jsoniter.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse class index: %w", err)
	}

	labels := make(Labels, len(index))
	seen := make([]bool, len(index))
	for key, entry := range index {
		pos, err := strconv.Atoi(key)
		if err != nil || pos < 0 || pos >= len(index) {
			return nil, fmt.Errorf("class index key %q out of range", key)
		}
		if seen[pos] {
			return nil, fmt.Errorf("class index key %q repeats position %d", key, pos)
		}
		seen[pos] = true
		if len(entry) != 2 {
			return nil, fmt.Errorf("class index entry %q: want [id, name], got %d fields", key, len(entry))
		}
		labels[pos] = Label{ID: entry[0], Name: entry[1]}
	}
	return labels, nil
}

func parseLabelLines(data []byte) (Labels, error) {
	var labels Labels
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		labels = append(labels, Label{ID: name, Name: name})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// Decode ranks scores and returns the k best predictions. k outside
// (0, len(labels)] means all of them.
func (l Labels) Decode(scores []float32, k int) ([]models.Prediction, error) {
	if len(scores) != len(l) {
		return nil, fmt.Errorf("model produced %d scores for %d labels", len(scores), len(l))
	}
	if k <= 0 || k > len(l) {
		k = len(l)
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	predictions := make([]models.Prediction, k)
	for i, idx := range order[:k] {
		predictions[i] = models.Prediction{
			ClassID: l[idx].ID,
			Label:   l[idx].Name,
			Score:   scores[idx],
		}
	}
	return predictions, nil
}

// Softmax turns logits into probabilities in place.
func Softmax(scores []float32) {
	if len(scores) == 0 {
		return
	}
	maxVal := scores[0]
	for _, s := range scores[1:] {
		if s > maxVal {
			maxVal = s
		}
	}

	var sum float64
	for i, s := range scores {
		e := math.Exp(float64(s - maxVal))
		scores[i] = float32(e)
		sum += e
	}
	for i := range scores {
		scores[i] = float32(float64(scores[i]) / sum)
	}
}
