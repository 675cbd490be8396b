package main

const (
	MsgInvalidRequest = "Request body must be an image, a multipart form with a 'file' or 'image' field, or JSON with a base64 'image' field"

	MsgTooLarge = "Image exceeds the maximum upload size"

	MsgInvalidImage = "Failed to decode image. Supported formats: JPEG, PNG, GIF, BMP, TIFF, WebP"

	MsgInvalidTopK = "top_k must be a positive integer"

	MsgBusy = "All model sessions are busy, please retry"

	MsgProcessingFailed = "Prediction failed"
)
