package dashboard

// Static assets for the dashboard.
// These are embedded as strings for simplicity.

// getStaticAsset returns a static asset by name.
// Returns the content, content type, and whether the asset was found.
func getStaticAsset(name string) (content string, contentType string, ok bool) {
	switch name {
	case "style.css":
		return cssStyles, "text/css", true
	default:
		return "", "", false
	}
}

// cssStyles complements the Tailwind CDN classes used by the templates.
const cssStyles = `
:root {
    --color-bg-card: #1f2937;
    --color-border: #374151;
    --color-text-muted: #9ca3af;
    --color-success: #10b981;
    --color-warning: #f59e0b;
    --color-error: #ef4444;
}

.mono {
    font-family: ui-monospace, SFMono-Regular, 'SF Mono', Menlo, Monaco, Consolas, 'Liberation Mono', monospace;
}

.card {
    background: var(--color-bg-card);
    border: 1px solid var(--color-border);
    border-radius: 0.5rem;
    padding: 1.5rem;
}

.label {
    color: var(--color-text-muted);
    font-size: 0.875rem;
    font-weight: 500;
}

.value {
    color: #fff;
    font-size: 1.875rem;
    font-weight: 700;
    margin-top: 0.25rem;
}

.status-running { color: var(--color-warning); }
.status-halted  { color: var(--color-success); }
.status-faulted { color: var(--color-error); }

table th, table td { padding: 0.5rem 0.75rem; }

::-webkit-scrollbar { width: 8px; height: 8px; }
::-webkit-scrollbar-thumb { background: var(--color-border); border-radius: 4px; }
`
