package workflow

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Position is a node's location on the canvas. It is carried through
// persistence untouched.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData is the kind-specific payload of a node. The set of
// implementations is closed: TextData, ImageData, CropImageData,
// ExtractFrameData, LLMData and OpaqueData.
type NodeData interface {
	Kind() Kind
	cloneData() NodeData
}

// TextData holds a free-form text value, used as prompt input and as the
// sink for propagated outputs.
type TextData struct {
	Label string `json:"label,omitempty"`
	Text  string `json:"text"`
}

// Kind returns KindText
func (d *TextData) Kind() Kind { return KindText }

func (d *TextData) cloneData() NodeData {
	c := *d
	return &c
}

// ImageItem is one image on an image node. ImageBase64 is a local-only
// cache of the bytes behind ImageURL and is never persisted remotely.
type ImageItem struct {
	ID          string `json:"id"`
	ImageBase64 string `json:"imageBase64"`
	ImageURL    string `json:"imageUrl,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ImageData holds the images uploaded to an image node.
type ImageData struct {
	Label  string      `json:"label,omitempty"`
	Images []ImageItem `json:"images"`
}

// Kind returns KindImage
func (d *ImageData) Kind() Kind { return KindImage }

func (d *ImageData) cloneData() NodeData {
	c := *d
	if d.Images != nil {
		c.Images = make([]ImageItem, len(d.Images))
		copy(c.Images, d.Images)
	}
	return &c
}

// CropImageData describes a crop job. Coordinates are percentages of the
// input image; OutputImageURL is filled in once the job completes.
type CropImageData struct {
	Label          string  `json:"label,omitempty"`
	XPercent       float64 `json:"xPercent"`
	YPercent       float64 `json:"yPercent"`
	WidthPercent   float64 `json:"widthPercent"`
	HeightPercent  float64 `json:"heightPercent"`
	OutputImageURL string  `json:"outputImageUrl,omitempty"`
}

// Kind returns KindCropImage
func (d *CropImageData) Kind() Kind { return KindCropImage }

func (d *CropImageData) cloneData() NodeData {
	c := *d
	return &c
}

// ExtractFrameData describes a video frame extraction job. Timestamp is
// either seconds ("12.5") or a percentage of the duration ("50%").
type ExtractFrameData struct {
	Label          string `json:"label,omitempty"`
	VideoURL       string `json:"videoUrl,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
	OutputFrameURL string `json:"outputFrameUrl,omitempty"`
}

// Kind returns KindExtractFrame
func (d *ExtractFrameData) Kind() Kind { return KindExtractFrame }

func (d *ExtractFrameData) cloneData() NodeData {
	c := *d
	return &c
}

// DefaultModel is used by LLM nodes that do not name a model.
const DefaultModel = "gemini-2.5-flash"

// LLMData configures an inference call and records its last output.
type LLMData struct {
	Label  string `json:"label,omitempty"`
	Model  string `json:"model,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Kind returns KindLLM
func (d *LLMData) Kind() Kind { return KindLLM }

func (d *LLMData) cloneData() NodeData {
	c := *d
	return &c
}

// OpaqueData carries the payload of a kind this package does not model.
// The raw JSON is preserved so such nodes survive load/save and import/export.
type OpaqueData struct {
	Type Kind
	Raw  json.RawMessage
}

// Kind returns the original kind string
func (d *OpaqueData) Kind() Kind { return d.Type }

func (d *OpaqueData) cloneData() NodeData {
	c := *d
	if d.Raw != nil {
		c.Raw = append(json.RawMessage(nil), d.Raw...)
	}
	return &c
}

// Node is a vertex of the workflow graph.
type Node struct {
	ID       NodeID
	Position Position
	Data     NodeData
}

// NewNode creates a node with a fresh id
func NewNode(data NodeData) Node {
	return Node{ID: NewNodeID(), Data: data}
}

// Kind returns the node kind, or "" when the node has no payload
func (n Node) Kind() Kind {
	if n.Data == nil {
		return ""
	}
	return n.Data.Kind()
}

// Name returns the display label of the node, falling back to its kind.
func (n Node) Name() string {
	var label string
	switch d := n.Data.(type) {
	case *TextData:
		label = d.Label
	case *ImageData:
		label = d.Label
	case *CropImageData:
		label = d.Label
	case *ExtractFrameData:
		label = d.Label
	case *LLMData:
		label = d.Label
	case *OpaqueData:
		var probe struct {
			Label string `json:"label"`
		}
		_ = json.Unmarshal(d.Raw, &probe)
		label = probe.Label
	}
	if label == "" {
		return string(n.Kind())
	}
	return label
}

// Clone returns a deep copy of the node
func (n Node) Clone() Node {
	c := n
	if n.Data != nil {
		c.Data = n.Data.cloneData()
	}
	return c
}

// Validate checks if the node is valid
func (n Node) Validate() error {
	if n.ID == "" {
		return errors.New("node: empty node ID")
	}
	if n.Data == nil {
		return fmt.Errorf("node %s: missing data", n.ID)
	}
	switch d := n.Data.(type) {
	case *CropImageData:
		for name, v := range map[string]float64{
			"xPercent":      d.XPercent,
			"yPercent":      d.YPercent,
			"widthPercent":  d.WidthPercent,
			"heightPercent": d.HeightPercent,
		} {
			if v < 0 || v > 100 {
				return fmt.Errorf("cropImage node %s: %s out of range: %v", n.ID, name, v)
			}
		}
	case *OpaqueData:
		if d.Type == "" {
			return fmt.Errorf("node %s: empty node type", n.ID)
		}
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling
func (n Node) MarshalJSON() ([]byte, error) {
	var data interface{}
	if o, ok := n.Data.(*OpaqueData); ok {
		if len(o.Raw) > 0 {
			data = o.Raw
		}
	} else if n.Data != nil {
		data = n.Data
	}
	return json.Marshal(&struct {
		ID       NodeID      `json:"id"`
		Type     Kind        `json:"type"`
		Position Position    `json:"position"`
		Data     interface{} `json:"data"`
	}{
		ID:       n.ID,
		Type:     n.Kind(),
		Position: n.Position,
		Data:     data,
	})
}

// UnmarshalJSON decodes the payload into the concrete type selected by "type"
func (n *Node) UnmarshalJSON(data []byte) error {
	var temp struct {
		ID       NodeID          `json:"id"`
		Type     Kind            `json:"type"`
		Position Position        `json:"position"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	var payload NodeData
	switch temp.Type {
	case KindText:
		payload = &TextData{}
	case KindImage:
		payload = &ImageData{}
	case KindCropImage:
		payload = &CropImageData{}
	case KindExtractFrame:
		payload = &ExtractFrameData{}
	case KindLLM:
		payload = &LLMData{}
	case "":
		return fmt.Errorf("node %s: missing type", temp.ID)
	default:
		payload = &OpaqueData{Type: temp.Type, Raw: temp.Data}
	}

	if _, opaque := payload.(*OpaqueData); !opaque && len(temp.Data) > 0 && string(temp.Data) != "null" {
		if err := json.Unmarshal(temp.Data, payload); err != nil {
			return fmt.Errorf("node %s: invalid %s data: %w", temp.ID, temp.Type, err)
		}
	}

	n.ID = temp.ID
	n.Position = temp.Position
	n.Data = payload
	return nil
}
