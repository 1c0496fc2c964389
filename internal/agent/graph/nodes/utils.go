package nodes

import (
	"context"
	"fmt"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/lily-agent/server/internal/agent/retrieval"
	errx "github.com/lily-agent/server/internal/core/error"
)

// ===== Small helpers to keep node bodies simple/readable =====

// safeGenerate runs one oracle call with a bounded deadline and converts
// panics and timeouts into ordinary oracle errors so every node can apply its
// documented fallback instead of aborting the turn.
func safeGenerate(ctx context.Context, cm einomodel.BaseChatModel, timeout time.Duration, msgs []*schema.Message) (out *schema.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = errx.WrapOracle(fmt.Errorf("oracle panic: %v", r))
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err = cm.Generate(ctx, msgs)
	if err != nil {
		return nil, errx.WrapOracle(err)
	}
	if out == nil {
		return nil, errx.WrapMalformed(fmt.Errorf("oracle returned nil message"))
	}
	return out, nil
}

// safeSearch runs one retrieval call with panic recovery, mirroring
// safeGenerate for the retrieval contract.
func safeSearch(ctx context.Context, r retrieval.Retriever, query string, k int) (passages []retrieval.Passage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			passages = nil
			err = errx.WrapRetrieval(fmt.Errorf("retriever panic: %v", rec))
		}
	}()

	passages, err = r.Search(ctx, query, k)
	if err != nil {
		return nil, errx.WrapRetrieval(err)
	}
	return passages, nil
}
