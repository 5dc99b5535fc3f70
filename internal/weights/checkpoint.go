package weights

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"evotune/internal/model"
	"evotune/internal/nn"
	"evotune/internal/storage"
)

const paramsObject = "params.json"

// ObjectName is where the checkpoint for project at epoch is kept:
// <prefix>/<project>/epoch_<epoch>/params.json.
func ObjectName(prefix, project string, epoch int) string {
	return path.Join(prefix, project, fmt.Sprintf("epoch_%d", epoch), paramsObject)
}

// Epochs lists the checkpointed epochs of project in ascending order.
func Epochs(ctx context.Context, bucket Bucket, prefix, project string) ([]int, error) {
	dir := path.Join(prefix, project) + "/"
	names, err := bucket.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	var epochs []int
	for _, name := range names {
		rest := strings.TrimPrefix(name, dir)
		tag, file, ok := strings.Cut(rest, "/")
		if !ok || file != paramsObject || !strings.HasPrefix(tag, "epoch_") {
			continue
		}
		epoch, err := strconv.Atoi(strings.TrimPrefix(tag, "epoch_"))
		if err != nil {
			continue
		}
		epochs = append(epochs, epoch)
	}
	sort.Ints(epochs)
	return epochs, nil
}

// latest resolves epoch 0 to the newest checkpointed epoch.
func latest(epochs []int, project string) (int, error) {
	if len(epochs) == 0 {
		return 0, fmt.Errorf("%w: no checkpoints for project %q", ErrNotFound, project)
	}
	return epochs[len(epochs)-1], nil
}

func encode(project string, epoch int, params model.Params) ([]byte, error) {
	return storage.EncodeCheckpoint(model.CheckpointRecord{
		Project:   project,
		Epoch:     epoch,
		CreatedAt: time.Now().UTC(),
		Params:    params.Record(),
	})
}

func decode(data []byte, m nn.Model) (model.Params, error) {
	rec, err := storage.DecodeCheckpoint(data)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec, m)
}

func fromRecord(rec model.CheckpointRecord, m nn.Model) (model.Params, error) {
	params, err := model.ParamsFromRecord(rec.Params)
	if err != nil {
		return nil, err
	}
	if m != nil {
		if err := m.Validate(params); err != nil {
			return nil, fmt.Errorf("checkpoint %s/%d: %w", rec.Project, rec.Epoch, err)
		}
	}
	return params, nil
}
