package rest

import (
	"context"
	"errors"
	"fmt"

	"cordrest/internal/entity"
	"cordrest/internal/routes"
)

// MaxBulkDelete is the most messages one bulk-delete call accepts.
const MaxBulkDelete = 100

// BulkDeleteResult reports which messages were deleted and which were not
// attempted or failed, in input order.
type BulkDeleteResult struct {
	Deleted []entity.Snowflake
	Failed  []entity.Snowflake
}

// BulkDeleteError is returned alongside a partial BulkDeleteResult.
type BulkDeleteError struct {
	Deleted int
	Failed  int
	Err     error
}

func (e *BulkDeleteError) Error() string {
	return fmt.Sprintf("bulk delete stopped after %d message(s), %d not deleted: %v", e.Deleted, e.Failed, e.Err)
}

func (e *BulkDeleteError) Unwrap() error {
	return e.Err
}

// DeleteMessages deletes messages in chunks of at most MaxBulkDelete. A
// trailing chunk of one message goes through the single-delete endpoint,
// which tolerates the message already being gone. The first failing chunk
// stops the operation; it and every later message are reported as failed.
func (c *Client) DeleteMessages(ctx context.Context, channelID entity.Snowflake, messageIDs []entity.Snowflake,
	reason string) (BulkDeleteResult, error) {
	ids := dedupe(messageIDs)
	var res BulkDeleteResult

	for start := 0; start < len(ids); start += MaxBulkDelete {
		end := min(start+MaxBulkDelete, len(ids))
		chunk := ids[start:end]

		var err error
		if len(chunk) == 1 {
			err = c.DeleteMessage(ctx, channelID, chunk[0], reason)
			var ce *ClientError
			if errors.As(err, &ce) && ce.Code == CodeUnknownMessage {
				err = nil
			}
		} else {
			err = c.bulkDelete(ctx, channelID, chunk, reason)
		}

		if err != nil {
			res.Failed = append(res.Failed, ids[start:]...)
			return res, &BulkDeleteError{Deleted: len(res.Deleted), Failed: len(res.Failed), Err: err}
		}
		res.Deleted = append(res.Deleted, chunk...)
	}
	return res, nil
}

func (c *Client) bulkDelete(ctx context.Context, channelID entity.Snowflake, ids []entity.Snowflake, reason string) error {
	route, err := routes.PostDeleteChannelMessagesBulk.Compile(routes.Params{"channel": channelID.String()})
	if err != nil {
		return err
	}
	body := struct {
		Messages []entity.Snowflake `json:"messages"`
	}{Messages: ids}
	_, err = c.Execute(ctx, &Request{Route: route, JSON: body, Reason: reason})
	return err
}

func dedupe(ids []entity.Snowflake) []entity.Snowflake {
	seen := make(map[entity.Snowflake]struct{}, len(ids))
	out := make([]entity.Snowflake, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
