package handlers

import (
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"clustervisor/internal/logging"
	"clustervisor/internal/models"
)

type PageData struct {
	Title            string
	RunID            string
	Policy           string
	TargetSize       int
	Size             int
	Listening        int
	ListeningPercent int
	Degraded         bool
	ShuttingDown     bool
	ExhaustedSlots   []int
	Workers          []models.WorkerStatus
	Logs             []models.LogEntry
}

type TemplateHandler struct {
	templates *template.Template
	pool      Pool
	logs      *logging.LogBuffer
	log       *slog.Logger
}

func NewTemplateHandler(templatesFS fs.FS, pool Pool, logs *logging.LogBuffer, logger *slog.Logger) (*TemplateHandler, error) {
	tmpl, err := template.ParseFS(templatesFS, "*.html")
	if err != nil {
		return nil, err
	}

	return &TemplateHandler{
		templates: tmpl,
		pool:      pool,
		logs:      logs,
		log:       logger,
	}, nil
}

func (th *TemplateHandler) buildPageData() PageData {
	st := th.pool.Status()

	percent := 0
	if st.TargetSize > 0 {
		percent = (st.Listening * 100) / st.TargetSize
	}

	return PageData{
		Title:            "Clustervisor - Dashboard",
		RunID:            st.RunID,
		Policy:           st.Policy,
		TargetSize:       st.TargetSize,
		Size:             st.Size,
		Listening:        st.Listening,
		ListeningPercent: percent,
		Degraded:         st.Degraded,
		ShuttingDown:     st.ShuttingDown,
		ExhaustedSlots:   st.ExhaustedSlots,
		Workers:          st.Workers,
		Logs:             th.logs.GetLast(20),
	}
}

func (th *TemplateHandler) ServeTemplate(templateName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := th.buildPageData()

		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		if err := th.templates.ExecuteTemplate(w, templateName+".html", data); err != nil {
			th.log.Error("executing template", "template", templateName, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}
}
