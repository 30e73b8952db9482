package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	errorvalues "github.com/limbo/moodlog/internal/error_values"
	"github.com/limbo/moodlog/internal/validate"
	"github.com/limbo/moodlog/pkg/entity"
	"github.com/limbo/moodlog/pkg/httputil"
)

type UpsertEntryRequest struct {
	Mood string `json:"mood" validate:"required,moodgrade"`
	Note string `json:"note"`
}

type PutSettingsRequest struct {
	CalendarMoodStyle                string `json:"calendarMoodStyle" validate:"required,oneof=dot fill"`
	MonthCardMatchesScreenBackground bool   `json:"monthCardMatchesScreenBackground"`
}

type PutCalendarMoodStyleRequest struct {
	CalendarMoodStyle string `json:"calendarMoodStyle" validate:"required,oneof=dot fill"`
}

type PutMonthCardBackgroundRequest struct {
	MonthCardMatchesScreenBackground bool `json:"monthCardMatchesScreenBackground"`
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Second*10)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	httputil.WriteErrorResponse(w, statusCode, message, GetRequestIDFromCtx(r.Context()), nil)
}

func (s *Server) GetAllEntries(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext()
	defer cancel()
	doc := s.entries.GetAll(ctx)
	httputil.WriteJSONResponse(w, http.StatusOK, doc)
}

func (s *Server) GetSortedEntries(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext()
	defer cancel()
	httputil.WriteJSONResponse(w, http.StatusOK, s.entries.SortedDesc(ctx))
}

func (s *Server) GetEntry(w http.ResponseWriter, r *http.Request) {
	logger := GetLoggerFromCtx(r.Context())
	date := chi.URLParam(r, "date")
	if !validate.IsValidDateKey(date) {
		logger.Error("get entry error: invalid date key")
		s.writeError(w, r, http.StatusBadRequest, "invalid date key")
		return
	}
	ctx, cancel := requestContext()
	defer cancel()
	e, err := s.entries.GetEntry(ctx, date)
	if err != nil {
		logger.Error("get entry error: store error", slog.String("error", err.Error()))
		s.writeError(w, r, http.StatusInternalServerError, "internal error while reading entry")
		return
	}
	if e == nil {
		s.writeError(w, r, http.StatusNotFound, "no entry for date")
		return
	}
	httputil.WriteJSONResponse(w, http.StatusOK, e)
}

func (s *Server) UpsertEntry(w http.ResponseWriter, r *http.Request) {
	logger := GetLoggerFromCtx(r.Context())
	date := chi.URLParam(r, "date")
	if !validate.IsValidDateKey(date) {
		logger.Error("upsert entry error: invalid date key")
		s.writeError(w, r, http.StatusBadRequest, "invalid date key")
		return
	}
	var req UpsertEntryRequest
	defer r.Body.Close()
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("upsert entry error: invalid body")
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		logger.Error("upsert entry error: validation failed")
		s.writeError(w, r, http.StatusBadRequest, "invalid entry payload")
		return
	}
	ctx, cancel := requestContext()
	defer cancel()
	saved, err := s.entries.Upsert(ctx, entity.Entry{
		Date: date,
		Mood: entity.Mood(req.Mood),
		Note: req.Note,
	})
	if err != nil {
		switch {
		case errors.Is(err, errorvalues.ErrInvalidDateKey),
			errors.Is(err, errorvalues.ErrInvalidMood),
			errors.Is(err, errorvalues.ErrInvalidEntry):
			logger.Error("upsert entry error: invalid entry")
			s.writeError(w, r, http.StatusBadRequest, "invalid entry payload")
		default:
			logger.Error("upsert entry error: persistence failed", slog.String("error", err.Error()))
			s.writeError(w, r, http.StatusInternalServerError, "saving entry failed")
		}
		return
	}
	httputil.WriteJSONResponse(w, http.StatusOK, saved)
	logger.Info("entry saved", slog.String("date", date))
}

func (s *Server) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	logger := GetLoggerFromCtx(r.Context())
	date := chi.URLParam(r, "date")
	if !validate.IsValidDateKey(date) {
		logger.Error("delete entry error: invalid date key")
		s.writeError(w, r, http.StatusBadRequest, "invalid date key")
		return
	}
	ctx, cancel := requestContext()
	defer cancel()
	if err := s.entries.Delete(ctx, date); err != nil {
		logger.Error("delete entry error: persistence failed", slog.String("error", err.Error()))
		s.writeError(w, r, http.StatusInternalServerError, "deleting entry failed")
		return
	}
	httputil.WriteJSONResponse(w, http.StatusNoContent, nil)
	logger.Info("entry deleted", slog.String("date", date))
}

func (s *Server) GetByMonth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext()
	defer cancel()
	httputil.WriteJSONResponse(w, http.StatusOK, s.entries.ByMonth(ctx))
}

func (s *Server) GetMonthDateKeys(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext()
	defer cancel()
	httputil.WriteJSONResponse(w, http.StatusOK, s.entries.MonthDateKeys(ctx))
}

func (s *Server) GetMoodCounts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext()
	defer cancel()
	httputil.WriteJSONResponse(w, http.StatusOK, s.entries.MoodCounts(ctx))
}

func (s *Server) GetYearIndex(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext()
	defer cancel()
	httputil.WriteJSONResponse(w, http.StatusOK, s.entries.YearIndex(ctx))
}

func (s *Server) GetSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext()
	defer cancel()
	httputil.WriteJSONResponse(w, http.StatusOK, s.settings.Get(ctx))
}

func (s *Server) PutSettings(w http.ResponseWriter, r *http.Request) {
	logger := GetLoggerFromCtx(r.Context())
	var req PutSettingsRequest
	defer r.Body.Close()
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("put settings error: invalid body")
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		logger.Error("put settings error: validation failed")
		s.writeError(w, r, http.StatusBadRequest, "invalid settings payload")
		return
	}
	ctx, cancel := requestContext()
	defer cancel()
	next := entity.Settings{
		CalendarMoodStyle:                entity.CalendarMoodStyle(req.CalendarMoodStyle),
		MonthCardMatchesScreenBackground: req.MonthCardMatchesScreenBackground,
	}
	if err := s.settings.Set(ctx, next); err != nil {
		logger.Error("put settings error: persistence failed", slog.String("error", err.Error()))
		s.writeError(w, r, http.StatusInternalServerError, "saving settings failed")
		return
	}
	httputil.WriteJSONResponse(w, http.StatusOK, next)
	logger.Info("settings saved")
}

func (s *Server) PutCalendarMoodStyle(w http.ResponseWriter, r *http.Request) {
	logger := GetLoggerFromCtx(r.Context())
	var req PutCalendarMoodStyleRequest
	defer r.Body.Close()
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("put calendar style error: invalid body")
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		logger.Error("put calendar style error: validation failed")
		s.writeError(w, r, http.StatusBadRequest, "invalid settings payload")
		return
	}
	ctx, cancel := requestContext()
	defer cancel()
	if err := s.settings.SetCalendarMoodStyle(ctx, entity.CalendarMoodStyle(req.CalendarMoodStyle)); err != nil {
		logger.Error("put calendar style error: persistence failed", slog.String("error", err.Error()))
		s.writeError(w, r, http.StatusInternalServerError, "saving settings failed")
		return
	}
	httputil.WriteJSONResponse(w, http.StatusOK, s.settings.Get(ctx))
}

func (s *Server) PutMonthCardBackground(w http.ResponseWriter, r *http.Request) {
	logger := GetLoggerFromCtx(r.Context())
	var req PutMonthCardBackgroundRequest
	defer r.Body.Close()
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("put month card background error: invalid body")
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx, cancel := requestContext()
	defer cancel()
	if err := s.settings.SetMonthCardMatchesScreenBackground(ctx, req.MonthCardMatchesScreenBackground); err != nil {
		logger.Error("put month card background error: persistence failed", slog.String("error", err.Error()))
		s.writeError(w, r, http.StatusInternalServerError, "saving settings failed")
		return
	}
	httputil.WriteJSONResponse(w, http.StatusOK, s.settings.Get(ctx))
}

func (s *Server) ClearEntries(w http.ResponseWriter, r *http.Request) {
	logger := GetLoggerFromCtx(r.Context())
	ctx, cancel := requestContext()
	defer cancel()
	if err := s.entries.ClearAll(ctx); err != nil {
		logger.Error("clear entries error: persistence failed", slog.String("error", err.Error()))
		s.writeError(w, r, http.StatusInternalServerError, "clearing entries failed")
		return
	}
	httputil.WriteJSONResponse(w, http.StatusNoContent, nil)
	logger.Info("entries cleared")
}

func (s *Server) WarmStores(w http.ResponseWriter, r *http.Request) {
	logger := GetLoggerFromCtx(r.Context())
	ctx, cancel := requestContext()
	defer cancel()
	if err := s.entries.WarmAll(ctx); err != nil {
		logger.Error("warm error", slog.String("error", err.Error()))
		s.writeError(w, r, http.StatusInternalServerError, "warming stores failed")
		return
	}
	s.settings.Get(ctx)
	httputil.WriteJSONResponse(w, http.StatusNoContent, nil)
	logger.Info("stores warmed")
}
