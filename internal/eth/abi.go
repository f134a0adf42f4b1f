package eth

// Settlement contract surface. Events mirror what the contract emits; the
// coordinator never reads contract storage except phaseOf, so GameCreated
// carries the full game configuration.
const contractABI = `[
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"gameId","type":"uint256"},
    {"indexed":false,"name":"title","type":"string"},
    {"indexed":false,"name":"entryFee","type":"uint256"},
    {"indexed":false,"name":"minPlayers","type":"uint32"},
    {"indexed":false,"name":"maxPlayers","type":"uint32"},
    {"indexed":false,"name":"registrationDeadline","type":"uint64"},
    {"indexed":false,"name":"gameDate","type":"uint64"},
    {"indexed":false,"name":"expiryDeadline","type":"uint64"},
    {"indexed":false,"name":"maxDurationSecs","type":"uint64"},
    {"indexed":false,"name":"geo","type":"int64[4]"},
    {"indexed":false,"name":"split","type":"uint16[5]"},
    {"indexed":false,"name":"shrinkAtSecs","type":"uint32[]"},
    {"indexed":false,"name":"shrinkRadiusM","type":"uint32[]"}
  ],"name":"GameCreated","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"gameId","type":"uint256"},
    {"indexed":true,"name":"player","type":"address"},
    {"indexed":false,"name":"playerNumber","type":"uint32"},
    {"indexed":false,"name":"totalCollected","type":"uint256"}
  ],"name":"PlayerRegistered","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"gameId","type":"uint256"},
    {"indexed":false,"name":"startedAt","type":"uint64"}
  ],"name":"GameStarted","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"gameId","type":"uint256"},
    {"indexed":false,"name":"winner1","type":"uint32"},
    {"indexed":false,"name":"winner2","type":"uint32"},
    {"indexed":false,"name":"winner3","type":"uint32"},
    {"indexed":false,"name":"topKiller","type":"uint32"}
  ],"name":"GameEnded","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"gameId","type":"uint256"}
  ],"name":"GameCancelled","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"gameId","type":"uint256"},
    {"indexed":true,"name":"player","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"}
  ],"name":"PrizeClaimed","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"name":"gameId","type":"uint256"},
    {"indexed":true,"name":"player","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"}
  ],"name":"RefundClaimed","type":"event"},
  {"inputs":[{"name":"gameId","type":"uint256"}],
   "name":"startGame","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
    {"name":"gameId","type":"uint256"},
    {"name":"hunterNumber","type":"uint32"},
    {"name":"targetNumber","type":"uint32"}],
   "name":"recordKill","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
    {"name":"gameId","type":"uint256"},
    {"name":"playerNumber","type":"uint32"},
    {"name":"reason","type":"string"}],
   "name":"eliminatePlayer","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
    {"name":"gameId","type":"uint256"},
    {"name":"winner1","type":"uint32"},
    {"name":"winner2","type":"uint32"},
    {"name":"winner3","type":"uint32"},
    {"name":"topKiller","type":"uint32"}],
   "name":"endGame","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"gameId","type":"uint256"}],
   "name":"triggerCancellation","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"gameId","type":"uint256"}],
   "name":"triggerExpiry","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"gameId","type":"uint256"}],
   "name":"phaseOf","outputs":[{"name":"","type":"uint8"}],
   "stateMutability":"view","type":"function"}
]`
