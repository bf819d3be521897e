package gemini

import (
	"errors"
	"fmt"
)

var (
	ErrBusy     = errors.New("generation capacity exhausted, retry later")
	ErrUpstream = errors.New("image generation failed")
	ErrNoImage  = errors.New("model returned no image")
)

// FileRef identifies an uploaded file that generation requests can reference.
type FileRef struct {
	URI      string
	MimeType string
}

type GenerateRequest struct {
	Prompt string
	// Exactly one of File or Inline is used; File wins when both are set.
	File       *FileRef
	Inline     []byte
	InlineMime string
}

type Image struct {
	Data     []byte
	MimeType string
}

// APIError is a non-2xx upstream response.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini %s: status=%d body=%s", e.Op, e.Status, e.Body)
}

func (e *APIError) Unwrap() error {
	return ErrUpstream
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type fileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
	FileData   *fileData   `json:"fileData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type generateBody struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type responsePart struct {
	Text            string      `json:"text"`
	InlineData      *inlineData `json:"inlineData"`
	InlineDataSnake *inlineData `json:"inline_data"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []responsePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type uploadResponse struct {
	File struct {
		Name     string `json:"name"`
		URI      string `json:"uri"`
		MimeType string `json:"mimeType"`
	} `json:"file"`
}
