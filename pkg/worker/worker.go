package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/previewlabs/previewd/pkg/cache"
	"github.com/previewlabs/previewd/pkg/ocr"
	"github.com/previewlabs/previewd/pkg/pipeline"
	"github.com/previewlabs/previewd/pkg/preview"
	"github.com/previewlabs/previewd/pkg/rules"
	sharederrors "github.com/previewlabs/previewd/pkg/shared/errors"
)

// ResultSink receives job lifecycle notifications. The HTTP client is the
// remote implementation; the master's embedded worker wires reconciliation
// in directly.
type ResultSink interface {
	JobStarted(ctx context.Context, previewID, attemptID string) error
	SubmitResult(ctx context.Context, previewID string, result preview.WorkerResult) error
}

// MaterialFetcher resolves a worker-cache token to bytes and a MIME type.
type MaterialFetcher interface {
	FetchMaterial(ctx context.Context, token, previewID, materialCode string) ([]byte, string, error)
}

// CacheFetcher reads blobs straight from a collocated material cache.
type CacheFetcher struct {
	Cache *cache.MaterialCache
}

func (f *CacheFetcher) FetchMaterial(ctx context.Context, token, previewID, materialCode string) ([]byte, string, error) {
	_ = ctx
	_ = previewID
	_ = materialCode
	data, err := f.Cache.Read(token)
	if err != nil {
		return nil, "", err
	}
	_, mime, _ := f.Cache.Metadata(token)
	return data, mime, nil
}

// ProxyFetcher pulls blobs through the master proxy, keeping a local copy
// so page-range re-reads stay cheap. When a local copy exists it wins; the
// first arrival is authoritative.
type ProxyFetcher struct {
	Client *Client
	Cache  *cache.MaterialCache
}

func (f *ProxyFetcher) FetchMaterial(ctx context.Context, token, previewID, materialCode string) ([]byte, string, error) {
	if f.Cache != nil {
		if data, err := f.Cache.Read(token); err == nil {
			_, mime, _ := f.Cache.Metadata(token)
			return data, mime, nil
		}
	}

	data, mime, err := f.Client.FetchMaterial(ctx, FetchMaterialRequest{
		Token:        token,
		PreviewID:    previewID,
		MaterialCode: materialCode,
	})
	if err != nil {
		return nil, "", err
	}

	if f.Cache != nil {
		if _, err := f.Cache.StoreWithToken(token, previewID, materialCode, token, data, mime); err != nil {
			// Cache persistence is an optimization; the fetch succeeded.
			_ = err
		}
	}
	return data, mime, nil
}

// Activity tracks the worker's running tasks for heartbeats.
type Activity struct {
	mu              sync.Mutex
	runningTasks    []string
	lastJobStarted  time.Time
	lastJobFinished time.Time
}

func (a *Activity) jobStarted(previewID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range a.runningTasks {
		if id == previewID {
			a.lastJobStarted = time.Now()
			return
		}
	}
	a.runningTasks = append(a.runningTasks, previewID)
	a.lastJobStarted = time.Now()
}

func (a *Activity) jobFinished(previewID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.runningTasks[:0]
	for _, id := range a.runningTasks {
		if id != previewID {
			kept = append(kept, id)
		}
	}
	a.runningTasks = kept
	a.lastJobFinished = time.Now()
}

func (a *Activity) snapshot() (tasks []string, started, finished time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tasks = append([]string(nil), a.runningTasks...)
	return tasks, a.lastJobStarted, a.lastJobFinished
}

// Config bounds the per-material pipeline.
type Config struct {
	PageWindow  int               `yaml:"page_window"`
	MaxPDFPages int               `yaml:"max_pdf_pages"`
	MaxPDFMB    int               `yaml:"max_pdf_mb"`
	Render      ocr.RenderOptions `yaml:"render"`
}

func (c *Config) applyDefaults() {
	if c.PageWindow <= 0 {
		c.PageWindow = 20
	}
	if c.MaxPDFPages <= 0 {
		c.MaxPDFPages = 300
	}
	if c.MaxPDFMB <= 0 {
		c.MaxPDFMB = 100
	}
}

// Processor runs the per-material pipeline for each dequeued preview task
// and reports the outcome to its sink.
type Processor struct {
	cfg      Config
	workerID string
	sink     ResultSink
	fetcher  MaterialFetcher
	stages   *pipeline.StageController
	pool     *ocr.Pool
	rules    *rules.Engine
	activity *Activity
	logger   *zap.Logger
}

// NewProcessor wires a worker pipeline.
func NewProcessor(cfg Config, workerID string, sink ResultSink, fetcher MaterialFetcher,
	stages *pipeline.StageController, pool *ocr.Pool, ruleEngine *rules.Engine, logger *zap.Logger) *Processor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:      cfg,
		workerID: workerID,
		sink:     sink,
		fetcher:  fetcher,
		stages:   stages,
		pool:     pool,
		rules:    ruleEngine,
		activity: &Activity{},
		logger:   logger,
	}
}

// Activity exposes the running-task tracker for the heartbeat loop.
func (p *Processor) Activity() *Activity { return p.activity }

// HandlePreviewTask processes one dequeued task: announce the attempt,
// run every material through fetch→convert→ocr→evaluate, and submit the
// result. An admission denial propagates so the queue redelivers.
func (p *Processor) HandlePreviewTask(ctx context.Context, task preview.Task) error {
	attemptID := preview.NewAttemptID()
	started := time.Now()

	if err := p.sink.JobStarted(ctx, task.PreviewID, attemptID); err != nil {
		if sharederrors.KindOf(err) == sharederrors.KindAdmissionDenied {
			p.logger.Warn("job start denied by admission gate",
				zap.String("preview_id", task.PreviewID),
				zap.Error(err))
		}
		return err
	}

	p.activity.jobStarted(task.PreviewID)
	defer p.activity.jobFinished(task.PreviewID)

	result, err := p.evaluate(ctx, task)
	duration := time.Since(started)

	if err != nil {
		p.logger.Error("preview processing failed",
			zap.String("preview_id", task.PreviewID),
			zap.String("attempt_id", attemptID),
			zap.Duration("duration", duration),
			zap.Error(err))
		return p.sink.SubmitResult(ctx, task.PreviewID, preview.WorkerResult{
			Status:        preview.JobFailed,
			FailureReason: err.Error(),
			AttemptID:     attemptID,
			Metrics:       &preview.ResultMetrics{JobDurationMS: duration.Milliseconds()},
		})
	}

	p.logger.Info("preview processing completed",
		zap.String("preview_id", task.PreviewID),
		zap.String("attempt_id", attemptID),
		zap.Int("materials", len(result.MaterialResults)),
		zap.Duration("duration", duration))

	return p.sink.SubmitResult(ctx, task.PreviewID, preview.WorkerResult{
		Status:           preview.JobCompleted,
		EvaluationResult: result,
		AttemptID:        attemptID,
		Metrics:          &preview.ResultMetrics{JobDurationMS: duration.Milliseconds()},
	})
}

func (p *Processor) evaluate(ctx context.Context, task preview.Task) (*preview.EvaluationResult, error) {
	req := task.PreviewBody.Preview
	result := preview.NewEvaluationResult(preview.BasicInfo{
		ApplicantName: req.SubjectInfo.Name,
		ApplicantID:   req.SubjectInfo.UserID,
		AgentName:     req.AgentInfo.Name,
		AgentID:       req.AgentInfo.UserID,
		MatterName:    req.MatterName,
		MatterID:      req.MatterID,
		MatterType:    req.MatterType,
		RequestID:     req.RequestID,
		SequenceNo:    req.SequenceNo,
		ThemeID:       req.ThemeID,
	})

	ruleSet, _ := p.rules.ForMatter(req.MatterID)

	for _, material := range req.MaterialData {
		materialResult, err := p.processMaterial(ctx, task.PreviewID, material, ruleSet)
		if err != nil {
			// A circuit-open or data error fails the whole job; the master
			// decides on fallback.
			return nil, err
		}
		result.AddMaterialResult(materialResult)
	}

	return result, nil
}

func (p *Processor) processMaterial(ctx context.Context, previewID string, material preview.Material, ruleSet *rules.RuleSet) (preview.MaterialResult, error) {
	var (
		attachments []preview.AttachmentInfo
		ocrParts    []string
		warnings    []string
		anySuccess  bool
	)

	for _, attachment := range material.AttachmentList {
		info, text, err := p.processAttachment(ctx, previewID, material.Code, attachment)
		if err != nil {
			if sharederrors.KindOf(err) == sharederrors.KindCircuitOpen || sharederrors.IsDataError(err) {
				return preview.MaterialResult{}, err
			}
			warnings = append(warnings, fmt.Sprintf("%s: %v", attachment.AttachName, err))
			info.OCRSuccess = false
			attachments = append(attachments, info)
			continue
		}
		anySuccess = true
		attachments = append(attachments, info)
		if text != "" {
			ocrParts = append(ocrParts, text)
		}
	}

	ocrText := strings.Join(ocrParts, "\n")

	var evaluation preview.RuleEvaluation
	if ruleSet != nil {
		evaluation = ruleSet.EvaluateMaterial(rules.MaterialEvidence{
			Code:        material.Code,
			Name:        material.Name,
			Attachments: attachments,
			OCRText:     ocrText,
			OCRWarnings: warnings,
		})
	} else {
		evaluation = preview.RuleEvaluation{
			StatusCode:  preview.StatusCodePass,
			Message:     fmt.Sprintf("material %s accepted (no rules configured)", material.Name),
			Description: fmt.Sprintf("%d attachment(s)", len(attachments)),
		}
	}

	status := preview.ProcessingStatus{State: preview.ProcessingSuccess}
	switch {
	case len(material.AttachmentList) > 0 && !anySuccess:
		status = preview.ProcessingStatus{
			State: preview.ProcessingFailed,
			Error: strings.Join(warnings, "; "),
		}
	case len(warnings) > 0:
		status = preview.ProcessingStatus{
			State:    preview.ProcessingPartialSuccess,
			Warnings: warnings,
		}
	}

	return preview.MaterialResult{
		MaterialCode:     material.Code,
		MaterialName:     material.Name,
		Attachments:      attachments,
		OCRContent:       ocrText,
		RuleEvaluation:   evaluation,
		ProcessingStatus: status,
	}, nil
}

func (p *Processor) processAttachment(ctx context.Context, previewID, materialCode string, attachment preview.Attachment) (preview.AttachmentInfo, string, error) {
	info := preview.AttachmentInfo{
		FileName: attachment.AttachName,
		FileURL:  attachment.AttachURL,
		MimeType: attachment.MimeType,
	}
	if attachment.Extra != nil {
		info.Extra = make(map[string]any, len(attachment.Extra))
		for k, v := range attachment.Extra {
			info.Extra[k] = v
		}
	}

	token, ok := cache.TokenFromURL(attachment.AttachURL)
	if !ok {
		return info, "", fmt.Errorf("attachment %s has no cache token", attachment.AttachName)
	}

	data, mime, err := p.fetcher.FetchMaterial(ctx, token, previewID, materialCode)
	if err != nil {
		return info, "", fmt.Errorf("fetch material: %w", err)
	}
	if info.MimeType == "" {
		info.MimeType = mime
	}
	info.FileSize = int64(len(data))
	if info.Extra == nil {
		info.Extra = map[string]any{}
	}
	info.Extra["workerCacheToken"] = token

	var text string
	if ocr.IsPDF(data) {
		text, err = p.recognizePDF(ctx, data, &info)
	} else {
		text, err = p.recognizeImage(ctx, data)
	}
	if err != nil {
		return info, "", err
	}

	info.OCRSuccess = true
	return info, text, nil
}

func (p *Processor) recognizePDF(ctx context.Context, data []byte, info *preview.AttachmentInfo) (string, error) {
	sizeMB := len(data) / (1024 * 1024)
	if sizeMB > p.cfg.MaxPDFMB {
		return "", sharederrors.Fatal(
			fmt.Sprintf("pdf exceeds limits: size <= %dMB and pages <= %d required", p.cfg.MaxPDFMB, p.cfg.MaxPDFPages), nil)
	}

	pages := ocr.EstimatePDFPages(data)
	if pages == 0 {
		pages = 1
	}
	if pages > p.cfg.MaxPDFPages {
		return "", sharederrors.Fatal(
			fmt.Sprintf("pdf exceeds limits: size <= %dMB and pages <= %d required", p.cfg.MaxPDFMB, p.cfg.MaxPDFPages), nil)
	}
	info.PageCount = pages

	profile := pipeline.PredictTaskResources(int64(len(data)), "PDF")
	if profile.ExecutionRecommendation == pipeline.RecommendReject {
		return "", sharederrors.Fatal(
			fmt.Sprintf("pdf rejected by resource prediction: %d estimated pages, %d MB peak memory",
				profile.EstimatedPages, profile.PeakMemoryMB), nil)
	}

	pdfPermit, err := p.stages.AcquirePDFConvertPermit(ctx)
	if err != nil {
		return "", err
	}
	defer pdfPermit.Release()

	// Heavy documents park one extra OCR slot for their whole run so a
	// single large job cannot saturate the pool page by page. The per-page
	// acquisitions below still need a free slot, so this only applies when
	// the stage has headroom.
	highRisk := profile.RiskLevel == pipeline.RiskHigh || profile.RiskLevel == pipeline.RiskCritical
	if highRisk && p.stages.GetStageStatus().OCRProcessTotal > 2 {
		weighted, err := p.stages.AcquireOCRWeighted(ctx, 1)
		if err != nil {
			return "", err
		}
		defer weighted.Release()
	}

	var parts []string
	for first := 1; first <= pages; first += p.cfg.PageWindow {
		last := first + p.cfg.PageWindow - 1
		if last > pages {
			last = pages
		}

		convertStart := time.Now()
		images, err := ocr.RenderPDFPages(ctx, data, first, last, p.cfg.Render)
		pipeline.ObserveStage(pipeline.StagePDFConvert, err == nil, time.Since(convertStart))
		if err != nil {
			return "", sharederrors.ConvertFail(fmt.Sprintf("render pdf pages %d-%d", first, last), err)
		}

		for idx, image := range images {
			text, err := p.recognizeImage(ctx, image)
			if err != nil {
				if sharederrors.KindOf(err) == sharederrors.KindCircuitOpen {
					return "", err
				}
				// Page-level OCR failures are recorded, other pages continue.
				p.logger.Warn("page ocr failed",
					zap.Int("page", first+idx),
					zap.Error(err))
				continue
			}
			if text != "" {
				parts = append(parts, text)
			}
		}
	}

	return strings.Join(parts, "\n"), nil
}

func (p *Processor) recognizeImage(ctx context.Context, image []byte) (string, error) {
	permit, err := p.stages.AcquireOCRPermit(ctx)
	if err != nil {
		return "", err
	}
	defer permit.Release()

	handle, err := p.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer handle.Release()

	contents, err := handle.Recognize(ctx, image)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(contents))
	for _, content := range contents {
		if content.Text != "" {
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}
