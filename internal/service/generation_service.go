package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/coverletter_server/config"
	"github.com/qs3c/coverletter_server/internal/model"
	"github.com/qs3c/coverletter_server/internal/model/dto"
	"github.com/qs3c/coverletter_server/internal/pkg/generator"
	"github.com/qs3c/coverletter_server/internal/pkg/logger"
	"github.com/qs3c/coverletter_server/internal/repository"
)

// Generator 流式文本生成
type Generator interface {
	Stream(ctx context.Context, in *generator.Input, onChunk func(string) error) (string, error)
}

// GenerationService 受权益控制的求职信生成
type GenerationService struct {
	store        *repository.Store
	entitlements *EntitlementService
	generator    Generator
	cfg          *config.Config
}

func NewGenerationService(
	store *repository.Store,
	entitlements *EntitlementService,
	gen Generator,
	cfg *config.Config,
) *GenerationService {
	return &GenerationService{
		store:        store,
		entitlements: entitlements,
		generator:    gen,
		cfg:          cfg,
	}
}

// Generate 先检查并扣减权益，再开始流式生成
// 生成失败时按 billing.refund_policy 决定是否退还
func (s *GenerationService) Generate(ctx context.Context, userID string, req *dto.GenerateRequest, onChunk func(string) error) (*model.CoverLetter, error) {
	ok, err := s.entitlements.CanConsume(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientBalance
	}

	consumed, err := s.entitlements.Consume(ctx, userID, "Cover letter for "+req.CompanyName)
	if err != nil {
		return nil, err
	}

	letter := &model.CoverLetter{
		UserID:        userID,
		CompanyName:   req.CompanyName,
		JobTitle:      req.JobTitle,
		Status:        model.CoverLetterGenerating,
		Resource:      consumed.Source,
		TransactionID: consumed.TransactionID,
	}
	if err := s.store.CoverLetters.Create(ctx, letter); err != nil {
		s.refundIfConfigured(ctx, consumed)
		return nil, storeErr(err)
	}

	content, genErr := s.generator.Stream(ctx, &generator.Input{
		CompanyName:    req.CompanyName,
		JobTitle:       req.JobTitle,
		JobDescription: req.JobDescription,
		Resume:         req.Resume,
		Tone:           req.Tone,
	}, onChunk)

	// 客户端断开后仍需落库
	saveCtx := context.WithoutCancel(ctx)

	if genErr != nil {
		letter.Status = model.CoverLetterFailed
		letter.ErrorMessage = genErr.Error()
		letter.Content = content
		if err := s.store.CoverLetters.UpdateFields(saveCtx, letter.ID, map[string]interface{}{
			"status":        letter.Status,
			"error_message": letter.ErrorMessage,
			"content":       letter.Content,
		}); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Int64("cover_letter_id", letter.ID).Msg("mark cover letter failed")
		}
		logger.Ctx(ctx).Warn().Err(genErr).Str("user_id", userID).Int64("cover_letter_id", letter.ID).Msg("generation failed")

		s.refundIfConfigured(saveCtx, consumed)
		return letter, fmt.Errorf("%w: %v", ErrGenerationFailed, genErr)
	}

	letter.Status = model.CoverLetterCompleted
	letter.Content = content
	if err := s.store.CoverLetters.UpdateFields(saveCtx, letter.ID, map[string]interface{}{
		"status":  letter.Status,
		"content": letter.Content,
	}); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int64("cover_letter_id", letter.ID).Msg("save cover letter failed")
	}
	return letter, nil
}

func (s *GenerationService) refundIfConfigured(ctx context.Context, consumed *ConsumeResult) {
	if !s.cfg.Billing.RefundOnFailure() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if _, err := s.entitlements.Refund(ctx, consumed.TransactionID); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int64("transaction_id", consumed.TransactionID).Msg("refund failed")
	}
}

// List 分页查询用户的求职信
func (s *GenerationService) List(ctx context.Context, userID string, page, pageSize int) ([]dto.CoverLetterItem, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	rows, total, err := s.store.CoverLetters.ListByUser(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, storeErr(err)
	}

	items := make([]dto.CoverLetterItem, 0, len(rows))
	for i := range rows {
		item := toCoverLetterItem(&rows[i])
		item.Content = ""
		items = append(items, item)
	}
	return items, total, nil
}

// Get 获取单封求职信，只能看自己的
func (s *GenerationService) Get(ctx context.Context, userID string, id int64) (*dto.CoverLetterItem, error) {
	letter, err := s.store.CoverLetters.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCoverLetterNotFound
		}
		return nil, storeErr(err)
	}
	if letter.UserID != userID {
		return nil, ErrCoverLetterNotFound
	}
	item := toCoverLetterItem(letter)
	return &item, nil
}

// Delete 删除求职信记录，不影响流水
func (s *GenerationService) Delete(ctx context.Context, userID string, id int64) error {
	rows, err := s.store.CoverLetters.Delete(ctx, id, userID)
	if err != nil {
		return storeErr(err)
	}
	if rows == 0 {
		return ErrCoverLetterNotFound
	}
	return nil
}

func toCoverLetterItem(letter *model.CoverLetter) dto.CoverLetterItem {
	return dto.CoverLetterItem{
		ID:          letter.ID,
		CompanyName: letter.CompanyName,
		JobTitle:    letter.JobTitle,
		Status:      letter.Status,
		Content:     letter.Content,
		Resource:    letter.Resource,
		CreatedAt:   letter.CreatedAt.Format(time.RFC3339),
	}
}
