package dashboard

// HTML templates for the dashboard pages.
// These are embedded as strings and parsed at runtime.

const layoutTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Tendril Dashboard</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <link rel="stylesheet" href="/static/style.css">
</head>
<body class="bg-gray-900 text-gray-100 min-h-screen">
    <nav class="bg-gray-800 border-b border-gray-700 sticky top-0 z-50">
        <div class="container mx-auto px-4">
            <div class="flex items-center h-16 space-x-8">
                <a href="/" class="text-xl font-bold text-white">Tendril</a>
                <a href="/" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "home"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700{{end}}">Overview</a>
                <a href="/programs" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "programs"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700{{end}}">Programs</a>
            </div>
        </div>
    </nav>

    <main class="container mx-auto px-4 py-6">
        {{.Content}}
    </main>

    <script>
        if (window.location.pathname === '/') {
            setInterval(async () => {
                try {
                    const resp = await fetch('/api/status');
                    const data = await resp.json();
                    for (const key of ['programs', 'sessions', 'running', 'totalSteps', 'uptime']) {
                        const el = document.getElementById('status-' + key);
                        if (el) el.textContent = typeof data[key] === 'number' ? data[key].toLocaleString() : data[key];
                    }
                } catch (e) {
                    console.error('Failed to fetch status:', e);
                }
            }, 5000);
        }
    </script>
</body>
</html>`

const homeTemplate = `
<div class="space-y-6">
    <div class="grid grid-cols-1 md:grid-cols-2 lg:grid-cols-5 gap-4">
        <div class="card"><p class="label">Programs</p><p class="value" id="status-programs">{{formatNumber .Status.Programs}}</p>
            <p class="text-sm text-gray-500 mt-1">{{formatBytes .Status.DatabaseSize}}</p></div>
        <div class="card"><p class="label">Sessions</p><p class="value" id="status-sessions">{{.Status.Sessions}}</p></div>
        <div class="card"><p class="label">Running</p><p class="value" id="status-running">{{.Status.Running}}</p>
            <p class="text-sm text-gray-500 mt-1">{{.Status.Halted}} halted, {{.Status.Faulted}} faulted</p></div>
        <div class="card"><p class="label">Steps</p><p class="value" id="status-totalSteps">{{formatNumber .Status.TotalSteps}}</p></div>
        <div class="card"><p class="label">Uptime</p><p class="value" id="status-uptime">{{.Status.Uptime}}</p></div>
    </div>

    {{if .Status.LastError}}
    <div class="bg-red-900/50 border border-red-500 rounded-lg p-4 text-red-200 text-sm">{{.Status.LastError}}</div>
    {{end}}

    <div class="card">
        <h2 class="text-lg font-semibold text-white mb-4">Sessions</h2>
        {{if .Sessions}}
        <table class="w-full text-sm">
            <thead><tr class="text-gray-400 text-left"><th>ID</th><th>Program</th><th>Status</th><th>Steps</th><th>CP</th><th>Created</th></tr></thead>
            <tbody>
            {{range .Sessions}}
            <tr class="border-t border-gray-700">
                <td class="mono"><a class="text-blue-400" href="/sessions/{{.ID}}">{{.ID}}</a></td>
                <td class="mono"><a class="text-blue-400" href="/programs/{{.ProgramID}}">{{truncateHash .ProgramID.String 6}}</a></td>
                <td class="status-{{.Status}}">{{.Status}}</td>
                <td>{{formatNumber .Steps}}</td>
                <td class="mono">{{hex16 .CodePointer}}</td>
                <td>{{formatTime .Created}}</td>
            </tr>
            {{end}}
            </tbody>
        </table>
        {{else}}
        <p class="text-gray-500">No open sessions.</p>
        {{end}}
    </div>
</div>
`

const programsTemplate = `
<div class="card">
    <h2 class="text-lg font-semibold text-white mb-4">Stored Programs</h2>
    {{if .Programs}}
    <table class="w-full text-sm">
        <thead><tr class="text-gray-400 text-left"><th>ID</th><th>Name</th><th>Size</th><th>Stored</th></tr></thead>
        <tbody>
        {{range .Programs}}
        <tr class="border-t border-gray-700">
            <td class="mono"><a class="text-blue-400" href="/programs/{{.ID}}">{{.ID}}</a></td>
            <td>{{.Name}}</td>
            <td>{{formatBytes (int64 .Size)}}</td>
            <td>{{formatTime .Created}}</td>
        </tr>
        {{end}}
        </tbody>
    </table>
    {{else}}
    <p class="text-gray-500">The store is empty.</p>
    {{end}}
</div>
`

const programDetailTemplate = `
<div class="space-y-6">
    <div class="card">
        <h2 class="text-lg font-semibold text-white mb-4">Program</h2>
        <dl class="grid grid-cols-4 gap-2 text-sm">
            <dt class="label">ID</dt><dd class="col-span-3 mono">{{.ID}}</dd>
            <dt class="label">Digest</dt><dd class="col-span-3 mono">{{.Digest}}</dd>
            {{if .HashBang}}<dt class="label">Hash bang</dt><dd class="col-span-3 mono">{{.HashBang}}</dd>{{end}}
            <dt class="label">Entry</dt><dd class="col-span-3 mono">{{hex16 .Entry}}</dd>
        </dl>
    </div>
    <div class="card">
        <h2 class="text-lg font-semibold text-white mb-4">Headers</h2>
        <pre class="mono text-sm">{{.Headers}}</pre>
    </div>
    <div class="card">
        <h2 class="text-lg font-semibold text-white mb-4">Entry</h2>
        <pre class="mono text-sm">{{range .Disassembly}}{{.}}
{{end}}</pre>
    </div>
</div>
`

const sessionDetailTemplate = `
<div class="space-y-6">
    <div class="card">
        <h2 class="text-lg font-semibold text-white mb-4">Session {{.ID}}</h2>
        <dl class="grid grid-cols-4 gap-2 text-sm">
            <dt class="label">Program</dt><dd class="col-span-3 mono"><a class="text-blue-400" href="/programs/{{.ProgramID}}">{{.ProgramID}}</a></dd>
            <dt class="label">Status</dt><dd class="col-span-3 status-{{.Status}}">{{.Status}}</dd>
            <dt class="label">Steps</dt><dd class="col-span-3">{{.Steps}}</dd>
            <dt class="label">Code pointer</dt><dd class="col-span-3 mono">{{hex16 .CodePointer}}</dd>
            {{if .Compute}}<dt class="label">Compute left</dt><dd class="col-span-3">{{.Compute}}</dd>{{end}}
            {{if .Fault}}<dt class="label">Fault</dt><dd class="col-span-3 text-red-400">{{.Fault}}</dd>{{end}}
            <dt class="label">Traced</dt><dd class="col-span-3">{{.Traced}}</dd>
        </dl>
    </div>
    <div class="card">
        <form class="mb-4 text-sm" method="get">
            <label class="label" for="addr">Address</label>
            <input class="bg-gray-900 border border-gray-700 rounded px-2 mono" id="addr" name="addr" value="{{hex16 .MemoryAddr}}">
        </form>
        <pre class="mono text-sm">{{range .Memory}}{{.Addr}}  {{.Hex}}
{{end}}</pre>
    </div>
</div>
`
