package api

const eventsDocsHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Event Stream - tabmux</title>
  <style>
    body {
      margin: 0;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
      font-size: 14px;
      line-height: 1.6;
      background: #0d1117;
      color: #c9d1d9;
    }
    a { color: #58a6ff; text-decoration: none; }
    nav {
      background: #161b22;
      border-bottom: 1px solid #30363d;
      padding: 12px 24px;
    }
    main { max-width: 860px; margin: 0 auto; padding: 32px 16px 64px; }
    h1 { margin: 0 0 8px; font-size: 26px; color: #e6edf3; }
    h2 {
      margin: 36px 0 12px;
      font-size: 18px;
      color: #e6edf3;
      border-bottom: 1px solid #21262d;
      padding-bottom: 6px;
    }
    code, pre { font-family: "SFMono-Regular", Consolas, Menlo, monospace; font-size: 13px; }
    pre {
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 12px 16px;
      overflow-x: auto;
    }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #30363d; padding: 6px 10px; text-align: left; vertical-align: top; }
    th { background: #161b22; color: #e6edf3; }
  </style>
</head>
<body>
<nav><a href="/docs">API Reference</a> / Event Stream</nav>
<main>
  <h1>Event Stream</h1>
  <p>Console messages, network activity and relayed WebSocket frames from every attached tab, delivered as Server-Sent Events.</p>

  <h2>Endpoint</h2>
  <pre><code>GET /api/v1/events?feeds=console,network</code></pre>
  <p>Omit <code>feeds</code> to receive every feed. A <code>: keepalive</code> comment is sent every 15 seconds.</p>

  <h2>Feeds</h2>
  <table>
    <thead><tr><th>Feed</th><th>Payload</th></tr></thead>
    <tbody>
      <tr><td><code>console</code></td><td>One console entry: <code>type</code>, <code>args</code>, <code>source</code>, <code>timestamp</code>, <code>session_id</code>, <code>target_id</code>.</td></tr>
      <tr><td><code>network</code></td><td>One network entry: <code>kind</code> (request, response, failed), <code>request_id</code>, <code>url</code>, <code>status</code>, <code>error_text</code>.</td></tr>
      <tr><td><em>custom</em></td><td>Raw WebSocket frame text from connections matching a relay feed, flattened to one line.</td></tr>
    </tbody>
  </table>

  <h2>Frame format</h2>
  <pre><code>id: 42
event: console
data: {"type":"log","args":["hello"],"source":"console", ...}
</code></pre>

  <h2>Relay feeds</h2>
  <p>Custom feeds are read from the YAML file named by <code>TABMUX_RELAY_CONFIG</code> or <code>--relay</code>:</p>
  <pre><code>feeds:
  - name: quotes
    url_pattern: stream.example.com
    contains: ['"type":"quote"']</code></pre>
  <p>A frame is published when its connection URL contains <code>url_pattern</code> and, if <code>contains</code> is set, the frame text contains any of its entries. The names <code>console</code> and <code>network</code> are reserved.</p>

  <h2>Example</h2>
  <pre><code>curl -N http://127.0.0.1:8190/api/v1/events?feeds=network</code></pre>
</main>
</body>
</html>`
