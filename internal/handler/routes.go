package handler

import (
	"github.com/go-chi/chi/v5"
)

// Routes HTTP маршруты движка версий
func (h *FileHandler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Route("/files", func(r chi.Router) {
			r.Post("/", h.UploadFile)
			r.Delete("/", h.DeleteFile)
			r.Get("/download", h.DownloadFile)
			r.Get("/info", h.GetFileInfo)
			r.Put("/metadata", h.UpdateFileMetadata)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Delete("/", h.DeleteProject)
			r.Get("/info", h.GetProjectInfo)
			r.Put("/metadata", h.UpdateProjectMetadata)
		})

		r.Route("/owners", func(r chi.Router) {
			r.Delete("/", h.DeleteOwner)
			r.Get("/info", h.GetOwnerInfo)
			r.Put("/metadata", h.UpdateOwnerMetadata)
		})

		r.Post("/admin/gc", h.CollectGarbage)
	})
}
