package redis

import (
	"context"
	"sort"
	"strings"
	"time"

	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"

	api "github.com/flowforge/flowd/api/v1"
	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/model"
	"github.com/flowforge/flowd/persistence"
	"github.com/flowforge/flowd/util"
)

const FLOW_KEY string = "FLOW"
const FLOW_CTIME_KEY string = "FLOW_CTIME"
const TIMELINE_KEY string = "TIMELINE"

var _ persistence.FlowStorage = new(redisFlowStorage)

type redisFlowStorage struct {
	baseDao
	flowEncDec     util.EncoderDecoder[model.FlowInstance]
	timelineEncDec util.EncoderDecoder[model.TimelineEvent]
}

func NewRedisFlowStorage(conf Config) *redisFlowStorage {
	return &redisFlowStorage{
		baseDao:        *newBaseDao(conf),
		flowEncDec:     util.NewJsonEncoderDecoder[model.FlowInstance](),
		timelineEncDec: util.NewJsonEncoderDecoder[model.TimelineEvent](),
	}
}

func (rf *redisFlowStorage) CreateFlow(flow *model.FlowInstance) error {
	ctx := context.Background()
	data, err := rf.flowEncDec.Encode(*flow)
	if err != nil {
		return err
	}
	key := rf.getNamespaceKey(FLOW_KEY)
	ctimeKey := rf.getNamespaceKey(FLOW_CTIME_KEY)
	_, err = rf.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.HSet(ctx, key, flow.FlowId, string(data))
		pipe.ZAdd(ctx, ctimeKey, rd.Z{Score: float64(flow.CreatedAt.UnixNano()), Member: flow.FlowId})
		return nil
	})
	if err != nil {
		logger.Error("error in saving flow", zap.String("FlowId", flow.FlowId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rf *redisFlowStorage) GetFlow(flowId string) (*model.FlowInstance, error) {
	ctx := context.Background()
	key := rf.getNamespaceKey(FLOW_KEY)
	flowStr, err := rf.redisClient.HGet(ctx, key, flowId).Result()
	if err == rd.Nil {
		return nil, api.NotFoundError{FlowId: flowId}
	}
	if err != nil {
		logger.Error("error in getting flow", zap.String("FlowId", flowId), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rf.flowEncDec.Decode([]byte(flowStr))
}

func (rf *redisFlowStorage) SaveFlow(flow *model.FlowInstance) error {
	ctx := context.Background()
	data, err := rf.flowEncDec.Encode(*flow)
	if err != nil {
		return err
	}
	key := rf.getNamespaceKey(FLOW_KEY)
	if err := rf.redisClient.HSet(ctx, key, flow.FlowId, string(data)).Err(); err != nil {
		logger.Error("error in saving flow", zap.String("FlowId", flow.FlowId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rf *redisFlowStorage) DeleteFlow(flowId string) error {
	ctx := context.Background()
	key := rf.getNamespaceKey(FLOW_KEY)
	ctimeKey := rf.getNamespaceKey(FLOW_CTIME_KEY)
	timelineKey := rf.getNamespaceKey(TIMELINE_KEY, flowId)
	_, err := rf.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.HDel(ctx, key, flowId)
		pipe.ZRem(ctx, ctimeKey, flowId)
		pipe.Del(ctx, timelineKey)
		return nil
	})
	if err != nil {
		logger.Error("error in deleting flow", zap.String("FlowId", flowId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rf *redisFlowStorage) AppendTimelineEvent(flowId string, event model.TimelineEvent) error {
	ctx := context.Background()
	data, err := rf.timelineEncDec.Encode(event)
	if err != nil {
		return err
	}
	key := rf.getNamespaceKey(TIMELINE_KEY, flowId)
	if err := rf.redisClient.RPush(ctx, key, string(data)).Err(); err != nil {
		logger.Error("error in appending timeline event", zap.String("FlowId", flowId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rf *redisFlowStorage) GetTimeline(flowId string) ([]model.TimelineEvent, error) {
	if _, err := rf.GetFlow(flowId); err != nil {
		return nil, err
	}
	ctx := context.Background()
	key := rf.getNamespaceKey(TIMELINE_KEY, flowId)
	items, err := rf.redisClient.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		logger.Error("error in reading timeline", zap.String("FlowId", flowId), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	events := make([]model.TimelineEvent, 0, len(items))
	for _, item := range items {
		event, err := rf.timelineEncDec.Decode([]byte(item))
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, nil
}

func (rf *redisFlowStorage) Query(filter model.FlowFilter) (*model.FlowPage, error) {
	flows, err := rf.scanAll()
	if err != nil {
		return nil, err
	}
	var matched []model.FlowInstance
	for _, flow := range flows {
		if matchesFilter(&flow, filter) {
			matched = append(matched, flow)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 500 {
		pageSize = 500
	}
	total := len(matched)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return &model.FlowPage{
		Items:      matched[start:end],
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
	}, nil
}

func (rf *redisFlowStorage) FindByStatus(status model.FlowStatus) ([]model.FlowInstance, error) {
	flows, err := rf.scanAll()
	if err != nil {
		return nil, err
	}
	var out []model.FlowInstance
	for _, flow := range flows {
		if flow.Status == status {
			out = append(out, flow)
		}
	}
	return out, nil
}

func (rf *redisFlowStorage) FindStaleRunning(olderThan time.Time) ([]model.FlowInstance, error) {
	flows, err := rf.scanAll()
	if err != nil {
		return nil, err
	}
	var out []model.FlowInstance
	for _, flow := range flows {
		if flow.Status == model.STATUS_RUNNING && flow.UpdatedAt.Before(olderThan) {
			out = append(out, flow)
		}
	}
	return out, nil
}

func (rf *redisFlowStorage) FindTerminalCompletedBefore(before time.Time) ([]model.FlowInstance, error) {
	flows, err := rf.scanAll()
	if err != nil {
		return nil, err
	}
	var out []model.FlowInstance
	for _, flow := range flows {
		if flow.Status.IsTerminal() && flow.CompletedAt != nil && flow.CompletedAt.Before(before) {
			out = append(out, flow)
		}
	}
	return out, nil
}

// scanAll reads every instance ordered by creation time descending.
// The created-at zset keeps the ordering stable across hash rehashes.
func (rf *redisFlowStorage) scanAll() ([]model.FlowInstance, error) {
	ctx := context.Background()
	ctimeKey := rf.getNamespaceKey(FLOW_CTIME_KEY)
	ids, err := rf.redisClient.ZRevRange(ctx, ctimeKey, 0, -1).Result()
	if err != nil {
		logger.Error("error in scanning flows", zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	key := rf.getNamespaceKey(FLOW_KEY)
	values, err := rf.redisClient.HMGet(ctx, key, ids...).Result()
	if err != nil {
		logger.Error("error in scanning flows", zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	flows := make([]model.FlowInstance, 0, len(values))
	for _, value := range values {
		str, ok := value.(string)
		if !ok {
			continue
		}
		flow, err := rf.flowEncDec.Decode([]byte(str))
		if err != nil {
			return nil, err
		}
		flows = append(flows, *flow)
	}
	return flows, nil
}

func matchesFilter(flow *model.FlowInstance, filter model.FlowFilter) bool {
	if filter.Status != "" && flow.Status != filter.Status {
		return false
	}
	if filter.UserId != "" && flow.UserId != filter.UserId {
		return false
	}
	if !filter.CreatedAfter.IsZero() && !flow.CreatedAt.After(filter.CreatedAfter) {
		return false
	}
	if filter.StepName != "" && !strings.Contains(strings.ToLower(flow.CurrentStepName), strings.ToLower(filter.StepName)) {
		return false
	}
	return true
}
