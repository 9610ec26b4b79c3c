package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/coverletter_server/internal/api/middleware"
	"github.com/qs3c/coverletter_server/internal/model/dto"
	"github.com/qs3c/coverletter_server/internal/pkg/response"
	"github.com/qs3c/coverletter_server/internal/service"
)

type CoverLetterHandler struct {
	generationService *service.GenerationService
}

func NewCoverLetterHandler(generationService *service.GenerationService) *CoverLetterHandler {
	return &CoverLetterHandler{
		generationService: generationService,
	}
}

// Generate 扣费后以 SSE 流式返回求职信
// 开始输出前的错误走统一响应，之后的错误以 error 事件返回
// POST /api/v1/cover-letters/generate
func (h *CoverLetterHandler) Generate(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	streaming := false
	onChunk := func(chunk string) error {
		if err := c.Request.Context().Err(); err != nil {
			return err
		}
		if !streaming {
			streaming = true
			startStream(c)
		}
		c.SSEvent("chunk", gin.H{"text": chunk})
		c.Writer.Flush()
		return nil
	}

	letter, err := h.generationService.Generate(c.Request.Context(), userID, &req, onChunk)
	if err != nil {
		if !streaming {
			if errors.Is(err, service.ErrGenerationFailed) {
				response.ServerError(c, service.ErrGenerationFailed.Error())
				return
			}
			handleServiceError(c, err)
			return
		}
		c.SSEvent("error", gin.H{
			"id":      letter.ID,
			"message": service.ErrGenerationFailed.Error(),
		})
		c.Writer.Flush()
		return
	}

	if !streaming {
		startStream(c)
	}
	c.SSEvent("done", gin.H{
		"id":       letter.ID,
		"status":   letter.Status,
		"resource": letter.Resource,
	})
	c.Writer.Flush()
}

func startStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream;charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// List 求职信列表，不含正文
// GET /api/v1/cover-letters?page=1&page_size=20
func (h *CoverLetterHandler) List(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.CoverLetterListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}
	page, pageSize := pageParams(req.Page, req.PageSize)

	items, total, err := h.generationService.List(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.SuccessPage(c, total, page, pageSize, items)
}

// Get 求职信详情
// GET /api/v1/cover-letters/:id
func (h *CoverLetterHandler) Get(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "无效的ID")
		return
	}

	item, err := h.generationService.Get(c.Request.Context(), userID, id)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	response.Success(c, item)
}

// Delete 删除求职信
// DELETE /api/v1/cover-letters/:id
func (h *CoverLetterHandler) Delete(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.ParamError(c, "无效的ID")
		return
	}

	if err := h.generationService.Delete(c.Request.Context(), userID, id); err != nil {
		handleServiceError(c, err)
		return
	}
	response.SuccessWithMessage(c, "删除成功", nil)
}
