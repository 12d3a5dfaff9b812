package ledger

import (
	"context"
	"errors"

	"checkout_pay/internal/errs"
	"checkout_pay/internal/model"

	"gorm.io/gorm"
)

// SagaLedger 网络取消进度。
type SagaLedger struct {
	db *gorm.DB
}

func (l *SagaLedger) Create(ctx context.Context, s *model.NetworkCancelSaga) error {
	if err := l.db.WithContext(ctx).Create(s).Error; err != nil {
		return errs.Internal("create saga", err)
	}
	return nil
}

// Resumable 订单最近一条未完成的补偿记录。
func (l *SagaLedger) Resumable(ctx context.Context, orderNo string) (model.NetworkCancelSaga, bool, error) {
	var s model.NetworkCancelSaga
	err := l.db.WithContext(ctx).
		Where("order_no = ? AND step NOT IN ?", orderNo, []model.SagaStep{model.SagaDone, model.SagaAborted}).
		Order("id DESC").Take(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.NetworkCancelSaga{}, false, nil
		}
		return model.NetworkCancelSaga{}, false, errs.Internal("load saga", err)
	}
	return s, true, nil
}

// ListByOrder 供运维排查。
func (l *SagaLedger) ListByOrder(ctx context.Context, orderNo string) ([]model.NetworkCancelSaga, error) {
	var list []model.NetworkCancelSaga
	if err := l.db.WithContext(ctx).Where("order_no = ?", orderNo).Order("id ASC").Find(&list).Error; err != nil {
		return nil, errs.Internal("list sagas", err)
	}
	return list, nil
}

// Advance 以当前步骤为条件推进，避免并发重复推进。
func (l *SagaLedger) Advance(ctx context.Context, s *model.NetworkCancelSaga, to model.SagaStep, fields map[string]any) error {
	updates := map[string]any{"step": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := l.db.WithContext(ctx).Model(&model.NetworkCancelSaga{}).
		Where("id = ? AND step = ?", s.ID, s.Step).
		Updates(updates)
	if res.Error != nil {
		return errs.Internal("advance saga", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.New(errs.KindIdempotencyConflict, "saga advanced concurrently")
	}
	s.Step = to
	if v, ok := fields["result_code"].(string); ok {
		s.ResultCode = v
	}
	if v, ok := fields["last_error"].(string); ok {
		s.LastError = v
	}
	return nil
}
