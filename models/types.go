package models

import "time"

type Prediction struct {
	ClassID string  `json:"class_id"`
	Label   string  `json:"label"`
	Score   float32 `json:"score"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
