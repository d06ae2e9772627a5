package memoryadapter_test

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/b/cloudkit/store"
	"github.com/b/cloudkit/store/adaptertest"
	"github.com/b/cloudkit/store/memoryadapter"
)

func TestAdapterConformance(t *testing.T) {
	adaptertest.Run(t, func(t *testing.T) store.Adapter {
		return memoryadapter.New(zaptest.NewLogger(t))
	})
}
