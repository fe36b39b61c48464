package handlers

import "net/http"

func (a *App) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Engine.GetStatistics(r.Context())
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, stats)
}
