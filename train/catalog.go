package train

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tsawler/dayson/lstm"
)

// modelCatalogJSON is the on-disk shape spec §6 defines: "an object with
// fields vocab_size, embedding_size, hidden_size, output_size, session_id,
// tensor_ids (map from weight name to TensorId). No tensor values are
// embedded; they live in TensorStore."
type modelCatalogJSON struct {
	VocabSize    int               `json:"vocab_size"`
	EmbeddingSize int              `json:"embedding_size"`
	HiddenSize   int               `json:"hidden_size"`
	OutputSize   int               `json:"output_size"`
	SessionID    string            `json:"session_id"`
	TensorIDs    map[string]string `json:"tensor_ids"`
}

// SaveModelCatalog writes catalog's weight-id map to path, the step spec
// §4.9's per-epoch loop calls "save weight-id catalog as JSON".
func SaveModelCatalog(path string, catalog *lstm.WeightCatalog, sessionID string) error {
	ids := map[string]string{
		"embedding":    catalog.EmbeddingID,
		"w_hy":         catalog.WhyID,
		"b_y":          catalog.ByID,
		"hidden_state": catalog.HiddenStateID,
		"cell_state":   catalog.CellStateID,
	}
	for gate, gw := range catalog.Gates {
		ids["w_i_"+gate] = gw.WiID
		ids["w_h_"+gate] = gw.WhID
		ids["b_"+gate] = gw.BID
		ids["gamma_"+gate] = gw.GammaID
		ids["beta_"+gate] = gw.BetaID
	}

	doc := modelCatalogJSON{
		VocabSize:     catalog.VocabSize,
		EmbeddingSize: catalog.EmbedSize,
		HiddenSize:    catalog.HiddenSize,
		OutputSize:    catalog.VocabSize,
		SessionID:     sessionID,
		TensorIDs:     ids,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("train: marshal model catalog: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("train: write model catalog %s: %w", path, err)
	}
	return nil
}

// LoadModelCatalog reconstructs the in-memory weight-id catalog from path.
// Weights themselves remain on disk in TensorStore; only ids are read here.
func LoadModelCatalog(path string) (*lstm.WeightCatalog, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("train: read model catalog %s: %w", path, err)
	}
	var doc modelCatalogJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, "", fmt.Errorf("train: unmarshal model catalog %s: %w", path, err)
	}

	catalog := &lstm.WeightCatalog{
		VocabSize:     doc.VocabSize,
		EmbedSize:     doc.EmbeddingSize,
		HiddenSize:    doc.HiddenSize,
		Gates:         make(map[string]lstm.GateWeights, 4),
		EmbeddingID:   doc.TensorIDs["embedding"],
		WhyID:         doc.TensorIDs["w_hy"],
		ByID:          doc.TensorIDs["b_y"],
		HiddenStateID: doc.TensorIDs["hidden_state"],
		CellStateID:   doc.TensorIDs["cell_state"],
	}
	for _, gate := range []string{"f", "i", "c", "o"} {
		gw := lstm.GateWeights{
			WiID:    doc.TensorIDs["w_i_"+gate],
			WhID:    doc.TensorIDs["w_h_"+gate],
			BID:     doc.TensorIDs["b_"+gate],
			GammaID: doc.TensorIDs["gamma_"+gate],
			BetaID:  doc.TensorIDs["beta_"+gate],
		}
		if gw.WiID == "" {
			return nil, "", fmt.Errorf("train: model catalog %s missing gate %q", path, gate)
		}
		catalog.Gates[gate] = gw
	}

	return catalog, doc.SessionID, nil
}
