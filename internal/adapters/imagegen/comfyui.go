package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ComfyUIProvider generates assets against a local ComfyUI instance. It
// submits a fixed SD 1.5 text-to-image workflow, polls /history until the
// run finishes, and returns the /view URL of the first output image.
type ComfyUIProvider struct {
	client       *http.Client
	host         string
	checkpoint   string
	pollInterval time.Duration
	maxWait      time.Duration
}

func NewComfyUIProvider(host, checkpoint string) *ComfyUIProvider {
	if checkpoint == "" {
		checkpoint = "v1-5-pruned-emaonly.safetensors"
	}
	return &ComfyUIProvider{
		client:       &http.Client{Timeout: 180 * time.Second},
		host:         host,
		checkpoint:   checkpoint,
		pollInterval: 2 * time.Second,
		maxWait:      120 * time.Second,
	}
}

func (p *ComfyUIProvider) GenerateImage(ctx context.Context, prompt string) (string, error) {
	payloadBytes, err := json.Marshal(p.buildWorkflow(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/prompt", bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call ComfyUI: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ComfyUI returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("no prompt_id returned")
	}

	return p.waitForImage(ctx, result.PromptID)
}

// waitForImage polls the history endpoint until the workflow's SaveImage node
// reports an output file.
func (p *ComfyUIProvider) waitForImage(ctx context.Context, promptID string) (string, error) {
	deadline := time.Now().Add(p.maxWait)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.pollInterval):
		}

		filename, ok := p.finishedOutput(promptID)
		if ok {
			return fmt.Sprintf("%s/view?filename=%s&type=output", p.host, filename), nil
		}
	}
	return "", fmt.Errorf("timeout waiting for image generation")
}

func (p *ComfyUIProvider) finishedOutput(promptID string) (string, bool) {
	resp, err := p.client.Get(fmt.Sprintf("%s/history/%s", p.host, promptID))
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	var history map[string]struct {
		Outputs map[string]struct {
			Images []struct {
				Filename string `json:"filename"`
			} `json:"images"`
		} `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return "", false
	}

	entry, ok := history[promptID]
	if !ok {
		return "", false
	}
	save, ok := entry.Outputs[saveImageNode]
	if !ok || len(save.Images) == 0 {
		return "", false
	}
	return save.Images[0].Filename, true
}

// Node IDs in the fixed workflow graph.
const (
	samplerNode    = "3"
	checkpointNode = "4"
	latentNode     = "5"
	positiveNode   = "6"
	negativeNode   = "7"
	decodeNode     = "8"
	saveImageNode  = "9"
)

// buildWorkflow is a minimal SD 1.5 sprite pipeline: sampler, checkpoint,
// empty latent, positive/negative CLIP encode, VAE decode, save.
func (p *ComfyUIProvider) buildWorkflow(prompt string) map[string]any {
	return map[string]any{
		"prompt": map[string]any{
			samplerNode: map[string]any{
				"class_type": "KSampler",
				"inputs": map[string]any{
					"seed":         42,
					"steps":        20,
					"cfg":          7.0,
					"sampler_name": "euler",
					"scheduler":    "normal",
					"denoise":      1.0,
					"model":        []any{checkpointNode, 0},
					"positive":     []any{positiveNode, 0},
					"negative":     []any{negativeNode, 0},
					"latent_image": []any{latentNode, 0},
				},
			},
			checkpointNode: map[string]any{
				"class_type": "CheckpointLoaderSimple",
				"inputs":     map[string]any{"ckpt_name": p.checkpoint},
			},
			latentNode: map[string]any{
				"class_type": "EmptyLatentImage",
				"inputs":     map[string]any{"width": 512, "height": 512, "batch_size": 1},
			},
			positiveNode: map[string]any{
				"class_type": "CLIPTextEncode",
				"inputs":     map[string]any{"text": prompt, "clip": []any{checkpointNode, 1}},
			},
			negativeNode: map[string]any{
				"class_type": "CLIPTextEncode",
				"inputs":     map[string]any{"text": "bad quality, blurry, ugly", "clip": []any{checkpointNode, 1}},
			},
			decodeNode: map[string]any{
				"class_type": "VAEDecode",
				"inputs":     map[string]any{"samples": []any{samplerNode, 0}, "vae": []any{checkpointNode, 2}},
			},
			saveImageNode: map[string]any{
				"class_type": "SaveImage",
				"inputs":     map[string]any{"filename_prefix": "gameforge", "images": []any{decodeNode, 0}},
			},
		},
	}
}
