package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Relaysync Queue</title>
  <style>
    :root {
      --ink: #102223;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }

    .bar, .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 14px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: clamp(1.2rem, 2vw, 1.6rem); }
    h2 { margin: 0 0 10px; font-size: 0.9rem; letter-spacing: 0.06em; text-transform: uppercase; }

    .status-line {
      margin-top: 8px;
      font-size: 0.84rem;
      color: var(--muted);
      display: flex;
      flex-wrap: wrap;
      gap: 12px;
      align-items: center;
    }

    button {
      border: 0;
      border-radius: 10px;
      padding: 7px 10px;
      font-family: inherit;
      font-weight: 700;
      cursor: pointer;
    }

    .btn-primary { background: var(--accent); color: #ffffff; }
    .btn-secondary { background: #f2ede2; color: var(--ink); border: 1px solid var(--line); }

    table { width: 100%; border-collapse: collapse; font-size: 0.82rem; }
    th, td { text-align: left; border-bottom: 1px solid #ece3d1; padding: 7px 6px; vertical-align: top; }
    th { color: #556262; text-transform: uppercase; font-size: 0.69rem; letter-spacing: 0.08em; }

    .feed { margin: 0; padding: 0; list-style: none; display: grid; gap: 6px; max-height: 320px; overflow: auto; }
    .feed li {
      border: 1px solid #e3d9c4;
      border-left: 5px solid var(--accent);
      border-radius: 10px;
      padding: 7px 9px;
      font-size: 0.82rem;
    }
    .feed li.warning { border-left-color: var(--accent-2); }
    .feed li.critical { border-left-color: var(--danger); }

    .ok { color: #0f8f53; }
    .warn { color: #b66a21; }
    .err { color: var(--danger); }
    .mono { font-family: "IBM Plex Mono", "SFMono-Regular", Menlo, Consolas, monospace; }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>Relaysync Queue</h1>
      <div class="status-line">
        <span>Sync: <strong id="syncStatus">-</strong></span>
        <span>Queued: <strong id="queueDepth">0</strong></span>
        <span id="drainState">idle</span>
        <span id="connState" class="warn">connecting</span>
        <span id="prefetchState"></span>
        <button id="retryAll" class="btn-primary" type="button">Retry All</button>
      </div>
    </section>

    <section class="panel">
      <h2>Pending Requests</h2>
      <table>
        <thead>
          <tr><th>Queued</th><th>Method</th><th>URL</th><th>Intent</th><th></th></tr>
        </thead>
        <tbody id="queueRows"></tbody>
      </table>
    </section>

    <section class="panel">
      <h2>Events</h2>
      <ul id="events" class="feed"></ul>
    </section>
  </main>

  <script>
    (function () {
      const dom = {
        syncStatus: document.getElementById("syncStatus"),
        queueDepth: document.getElementById("queueDepth"),
        drainState: document.getElementById("drainState"),
        connState: document.getElementById("connState"),
        prefetchState: document.getElementById("prefetchState"),
        retryAll: document.getElementById("retryAll"),
        queueRows: document.getElementById("queueRows"),
        events: document.getElementById("events"),
      };
      let socket = null;

      function send(message) {
        if (socket && socket.readyState === WebSocket.OPEN) {
          socket.send(JSON.stringify(message));
        }
      }

      function renderQueue(state) {
        const queue = Array.isArray(state.queue) ? state.queue : [];
        dom.queueDepth.textContent = String(queue.length);
        dom.drainState.textContent = state.draining ? "draining" : "idle";
        dom.queueRows.innerHTML = "";
        if (queue.length === 0) {
          const tr = document.createElement("tr");
          tr.innerHTML = "<td colspan=\"5\">Nothing waiting</td>";
          dom.queueRows.appendChild(tr);
          return;
        }
        queue.forEach((entry) => {
          const tr = document.createElement("tr");
          const when = new Date(Math.floor(Number(entry.timestamp || 0) / 1e6)).toLocaleTimeString();
          [when, entry.method, entry.url, entry.intent || "-"].forEach((text, i) => {
            const td = document.createElement("td");
            td.textContent = String(text || "-");
            if (i === 2) {
              td.className = "mono";
            }
            tr.appendChild(td);
          });
          const actions = document.createElement("td");
          const retry = document.createElement("button");
          retry.className = "btn-secondary";
          retry.textContent = "Retry";
          retry.addEventListener("click", () => send({ type: "retry-item", id: entry.id }));
          const discard = document.createElement("button");
          discard.className = "btn-secondary";
          discard.textContent = "Discard";
          discard.addEventListener("click", () => send({ type: "discard-item", id: entry.id }));
          actions.appendChild(retry);
          actions.appendChild(discard);
          tr.appendChild(actions);
          dom.queueRows.appendChild(tr);
        });
      }

      function pushEvent(text, cls) {
        const li = document.createElement("li");
        li.textContent = new Date().toLocaleTimeString() + " " + text;
        if (cls) {
          li.classList.add(cls);
        }
        dom.events.insertBefore(li, dom.events.firstChild);
        while (dom.events.childNodes.length > 100) {
          dom.events.removeChild(dom.events.lastChild);
        }
      }

      async function refreshStatus() {
        try {
          const response = await fetch(window.location.origin + "/v1/queue");
          const data = await response.json();
          dom.syncStatus.textContent = String(data.status || "-");
        } catch (err) {
          dom.syncStatus.textContent = "unreachable";
        }
      }

      function handle(msg) {
        switch (msg.type) {
        case "queue-state":
          renderQueue(msg);
          refreshStatus();
          break;
        case "queue-event": {
          const entry = msg.entry || {};
          const cls = msg.event === "failed" ? "critical" : (msg.event === "discarded" ? "warning" : "");
          const detail = (msg.status ? " http " + msg.status : "") + (msg.reason ? " (" + msg.reason + ")" : "");
          pushEvent(msg.event + " " + String(entry.method || "") + " " + String(entry.url || "") + detail, cls);
          break;
        }
        case "prefetch-progress":
          dom.prefetchState.textContent = "prefetch " + msg.status + " " + msg.completed + "/" + msg.total;
          break;
        }
      }

      function connect() {
        const scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + window.location.host + "/v1/events");
        socket.addEventListener("open", () => {
          dom.connState.textContent = "live";
          dom.connState.className = "ok";
          send({ type: "get-queue" });
        });
        socket.addEventListener("message", (event) => {
          try {
            handle(JSON.parse(event.data));
          } catch (err) {
            pushEvent("bad message: " + String(err), "warning");
          }
        });
        socket.addEventListener("close", () => {
          dom.connState.textContent = "reconnecting";
          dom.connState.className = "warn";
          setTimeout(connect, 2000);
        });
      }

      dom.retryAll.addEventListener("click", () => send({ type: "retry-all" }));
      connect();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
