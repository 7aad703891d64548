package web

// dashboardHTML is the embedded HTML/CSS/JS for the web dashboard.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Miner Dashboard</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
body{background:#0d1117;color:#c9d1d9;font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;padding:24px;min-height:100vh}
h1{font-size:1.5rem;font-weight:600;color:#f0f6fc;margin-bottom:4px}
.subtitle{color:#8b949e;font-size:0.85rem;margin-bottom:24px}
.subtitle span{color:#58a6ff}
.stats{display:grid;grid-template-columns:repeat(auto-fit,minmax(180px,1fr));gap:16px;margin-bottom:24px}
.card{background:#161b22;border:1px solid #30363d;border-radius:8px;padding:20px}
.card .label{color:#8b949e;font-size:0.75rem;text-transform:uppercase;letter-spacing:0.5px;margin-bottom:8px}
.card .value{font-size:1.75rem;font-weight:700;color:#f0f6fc;font-family:"SF Mono",SFMono-Regular,Consolas,"Liberation Mono",Menlo,monospace}
.card .value.accent{color:#58a6ff}
.card h2{font-size:0.9rem;font-weight:600;color:#f0f6fc;margin-bottom:12px}
table{width:100%;border-collapse:collapse}
th{text-align:left;color:#8b949e;font-size:0.7rem;text-transform:uppercase;letter-spacing:0.5px;padding:6px 8px;border-bottom:1px solid #30363d}
td{padding:8px;font-size:0.8rem;border-bottom:1px solid #21262d;font-family:"SF Mono",SFMono-Regular,Consolas,"Liberation Mono",Menlo,monospace}
td.addr{color:#8b949e;max-width:240px;word-break:break-all}
.state{display:inline-block;font-size:0.7rem;font-weight:600;padding:2px 8px;border-radius:10px;background:#21262d;color:#8b949e}
.state.searching{background:rgba(31,111,235,0.15);color:#58a6ff}
.state.submitting{background:rgba(187,128,9,0.15);color:#e3b341}
.state.waiting{color:#484f58}
.no-data{color:#484f58;font-size:0.85rem;font-style:italic;padding:16px 0}
.dot{display:inline-block;width:8px;height:8px;border-radius:50%;background:#3fb950;margin-right:6px;animation:pulse 2s infinite}
@keyframes pulse{0%,100%{opacity:1}50%{opacity:0.4}}
</style>
</head>
<body>
<h1><span class="dot"></span>Miner Dashboard</h1>
<div class="subtitle">scheme <span id="preset">-</span> &middot; uptime <span id="uptime">-</span></div>

<div class="stats">
  <div class="card"><div class="label">Hash Rate</div><div class="value accent" id="hashrate">-</div></div>
  <div class="card"><div class="label">Wallets</div><div class="value" id="wallets">-</div></div>
  <div class="card"><div class="label">Challenges</div><div class="value" id="challenges">-</div></div>
  <div class="card"><div class="label">Pending</div><div class="value" id="pending">-</div></div>
</div>

<div class="card">
  <h2>Worker Slots</h2>
  <table>
    <thead><tr><th>Slot</th><th>State</th><th>Wallet</th><th>Challenge</th><th>Attempts</th><th>H/s</th><th>Solved</th></tr></thead>
    <tbody id="slots"><tr><td colspan="7" class="no-data">waiting for data...</td></tr></tbody>
  </table>
</div>

<script>
function fmtRate(r){
  if(r>=1e6)return (r/1e6).toFixed(2)+' MH/s';
  if(r>=1e3)return (r/1e3).toFixed(2)+' kH/s';
  return r.toFixed(0)+' H/s';
}
function fmtUptime(s){
  var d=Math.floor(s/86400),h=Math.floor(s%86400/3600),m=Math.floor(s%3600/60);
  if(d>0)return d+'d '+h+'h';
  if(h>0)return h+'h '+m+'m';
  return m+'m '+Math.floor(s%60)+'s';
}
function shortAddr(a){return a&&a.length>20?a.slice(0,20)+'...':a||'-'}
function refresh(){
  fetch('/api/status').then(function(r){return r.json()}).then(function(d){
    document.getElementById('preset').textContent=d.preset;
    document.getElementById('uptime').textContent=fmtUptime(d.uptime_secs);
    document.getElementById('hashrate').textContent=fmtRate(d.hash_rate);
    document.getElementById('wallets').textContent=d.wallets;
    document.getElementById('challenges').textContent=d.challenges;
    document.getElementById('pending').textContent=d.pending;
    var rows='';
    (d.slots||[]).forEach(function(s){
      rows+='<tr><td>'+s.slot+'</td>'
        +'<td><span class="state '+s.state+'">'+s.state+'</span></td>'
        +'<td class="addr">'+shortAddr(s.address)+'</td>'
        +'<td>'+(s.challenge||'-')+'</td>'
        +'<td>'+s.attempts.toLocaleString()+'</td>'
        +'<td>'+fmtRate(s.hash_rate)+'</td>'
        +'<td>'+s.completed+'</td></tr>';
    });
    document.getElementById('slots').innerHTML=rows||'<tr><td colspan="7" class="no-data">no slots</td></tr>';
  }).catch(function(){});
}
refresh();
setInterval(refresh,2000);
</script>
</body>
</html>
`
