package train_test

import "testing"

// The pre-training sanity check must pass on a freshly initialized catalog
// before RunEpoch is ever called.
func TestRunSanityCheckPasses(t *testing.T) {
	trainer, catalog, _ := newTrainer(t)
	if err := trainer.RunSanityCheck(catalog); err != nil {
		t.Fatalf("RunSanityCheck: %v", err)
	}
}
