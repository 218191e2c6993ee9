package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// dashboardHTML is the monitoring page shell. It polls /health and
// /health/keys; all rendering happens client-side.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Ollama Proxy Dashboard</title>
<style>
  body { font-family: ui-monospace, monospace; background: #0f172a; color: #f8fafc; margin: 2rem; }
  h1 { font-size: 1.4rem; } .muted { color: #94a3b8; font-size: .8rem; }
  table { border-collapse: collapse; margin-top: 1rem; width: 100%; }
  th, td { border: 1px solid #334155; padding: .4rem .7rem; text-align: left; font-size: .85rem; }
  th { background: #1e293b; } .bad { color: #f87171; } .ok { color: #34d399; }
</style>
</head>
<body>
<h1>Ollama Proxy Dashboard <span class="muted">{APP_VERSION}</span></h1>
<p class="muted">proxy: <span id="proxy">?</span> &middot; upstream: <span id="upstream">?</span></p>
<table>
  <thead><tr><th>Key</th><th>Available</th><th>Backoff</th><th>Penalty until</th><th>Last error</th><th>Probe</th><th></th></tr></thead>
  <tbody id="keys"></tbody>
</table>
<script>
async function refresh() {
  try {
    const health = await (await fetch('/health')).json();
    document.getElementById('proxy').textContent = health.proxy_ok ? 'ok' : 'down';
    document.getElementById('upstream').textContent = health.upstream_ok ? 'ok' : 'down';
    const keys = await (await fetch('/health/keys')).json();
    document.getElementById('keys').innerHTML = keys.map(k =>
      '<tr><td>key_' + k.index + '</td>' +
      '<td class="' + (k.available ? 'ok' : 'bad') + '">' + k.available + '</td>' +
      '<td>' + k.backoff_level + '</td>' +
      '<td>' + (k.penalty_until || '-') + '</td>' +
      '<td>' + (k.last_error_status || '-') + '</td>' +
      '<td>' + (k.last_probe || '-') + '</td>' +
      '<td><button onclick="fetch(\'/health/keys/' + k.index + '/reset\', {method: \'POST\'}).then(refresh)">reset</button></td></tr>'
    ).join('');
  } catch (err) { console.error('refresh failed', err); }
}
refresh();
setInterval(refresh, 10000);
</script>
</body>
</html>`

// Dashboard serves the static monitoring page.
func (h *Handler) Dashboard(c echo.Context) error {
	page := strings.ReplaceAll(dashboardHTML, "{APP_VERSION}", h.Config.AppVersion)
	return c.HTML(http.StatusOK, page)
}

// RootRedirect sends / to the dashboard.
func (h *Handler) RootRedirect(c echo.Context) error {
	return c.Redirect(http.StatusFound, "/dashboard")
}

// Favicon answers browsers so the catch-all proxy never sees the request.
func (h *Handler) Favicon(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Logs serves the in-memory log ring buffer.
func (h *Handler) Logs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.LogBuf.Entries())
}
